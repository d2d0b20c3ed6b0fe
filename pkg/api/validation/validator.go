// Zaparoo SerialScope
// Copyright (c) 2025 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo SerialScope.
//
// Zaparoo SerialScope is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo SerialScope is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo SerialScope.  If not, see <http://www.gnu.org/licenses/>.

// Package validation checks API request bodies using go-playground/validator
// with rules for serial-specific values.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ZaparooProject/serialscope/pkg/records"
	"github.com/go-playground/validator/v10"
)

var (
	ErrMissingParams = errors.New("missing params")
	ErrInvalidParams = errors.New("invalid params")
)

// Validator handles validation of API parameters.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the custom rules registered. Field
// names in messages follow the json tags.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("lineending", validateLineEnding)
	_ = v.RegisterValidation("singleline", validateSingleLine)

	return &Validator{validate: v}
}

// DefaultValidator is a shared validator instance for API use.
var DefaultValidator = NewValidator()

// Validate validates a struct and returns an *Error listing every failed
// field.
func (v *Validator) Validate(params any) error {
	if err := v.validate.Struct(params); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return NewError(validationErrors)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateAndUnmarshal unmarshals a JSON body and validates it. It returns
// ErrMissingParams for an empty body, ErrInvalidParams when the JSON does
// not decode and an *Error when validation fails.
func ValidateAndUnmarshal[T any](body []byte, dest *T) error {
	if len(body) == 0 {
		return ErrMissingParams
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return DefaultValidator.Validate(dest)
}

// validateLineEnding accepts the names understood by records.ParseLineEnding.
func validateLineEnding(fl validator.FieldLevel) bool {
	_, err := records.ParseLineEnding(fl.Field().String())
	return err == nil
}

// validateSingleLine rejects embedded line breaks, which would split one
// request into several device commands.
func validateSingleLine(fl validator.FieldLevel) bool {
	return !strings.ContainsAny(fl.Field().String(), "\r\n")
}
