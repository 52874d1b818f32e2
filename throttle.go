// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package genematrix

import (
	"sync"
)

// throttle runs at most Max functions at a time and remembers the
// first error any of them returns. The zero value with Max unset
// runs one at a time.
type throttle struct {
	Max int

	setup sync.Once
	slots chan struct{}
	wg    sync.WaitGroup
	mtx   sync.Mutex
	err   error
}

func (t *throttle) acquire() {
	t.setup.Do(func() {
		n := t.Max
		if n < 1 {
			n = 1
		}
		t.slots = make(chan struct{}, n)
	})
	t.slots <- struct{}{}
	t.wg.Add(1)
}

func (t *throttle) release() {
	<-t.slots
	t.wg.Done()
}

// Report records err if it is the first non-nil error.
func (t *throttle) Report(err error) {
	if err == nil {
		return
	}
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *throttle) Err() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

// Go waits for a free slot, then runs f in a new goroutine. Once an
// error has been reported, f is skipped.
func (t *throttle) Go(f func() error) {
	t.acquire()
	if t.Err() != nil {
		t.release()
		return
	}
	go func() {
		defer t.release()
		t.Report(f())
	}()
}

// Wait waits for all started functions to return, and returns the
// first error reported.
func (t *throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}
