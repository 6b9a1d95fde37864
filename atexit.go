// Package openenclave provides the small set of process-wide helpers shared
// by the stack's subsystems: graceful shutdown (this file) and interrupt
// handling (context.go). Everything that actually touches blocks, inodes, or
// mount bindings lives under internal/.
package openenclave

import (
	"sync"
	"sync/atomic"
)

// atExit collects cleanup callbacks — typically Unmount/Close calls
// registered by cmd/oefsutil — that must run once, in registration order,
// before the process gives up its hold on the backing device.
var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit queues fn to run when RunAtExit is called, e.g. after
// SIGINT so an open OEFS stack releases its device references before the
// process exits.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs every registered cleanup callback in order, stopping at
// the first error. Once called, further RegisterAtExit calls panic: cleanup
// must not register more cleanup.
func RunAtExit() error {
	atomic.StoreUint32(&atExit.closed, 1)
	for _, fn := range atExit.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
