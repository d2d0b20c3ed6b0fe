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

package syncutil

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMutex_ExcludesWriters(t *testing.T) {
	t.Parallel()

	var mu Mutex
	var wg sync.WaitGroup
	count := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			count++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, count)
}

func TestRWMutex_SharedReaders(t *testing.T) {
	t.Parallel()

	var mu RWMutex
	mu.RLock()
	acquired := make(chan struct{})
	go func() {
		mu.RLock()
		defer mu.RUnlock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second reader blocked")
	}
	mu.RUnlock()
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	Configure(time.Minute, &buf)
	assert.Equal(t, 30*time.Second, DefaultDeadlockTimeout)
}
