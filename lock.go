// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a source-available license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package memprof

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a tiny try-lockable lock for the bookkeeping paths.
// sync.Mutex is not used there: timer/handler contexts must be able
// to try-lock and skip on contention instead of risking a block
// against a suspended lock holder.
type spinLock struct {
	v int32
}

func (l *spinLock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.v, 0, 1)
}

// Lock spins until the lock is acquired. Only for contexts that are
// allowed to wait (normal goroutine calls, shutdown enumeration).
func (l *spinLock) Lock() {
	for i := 0; !l.TryLock(); i++ {
		if i&63 == 63 {
			runtime.Gosched()
		}
	}
}

func (l *spinLock) Unlock() {
	atomic.StoreInt32(&l.v, 0)
}
