// Package blockdev defines the uniform block-device interface and two of
// the stack's concrete layers: a raw host-backed device and an LRU
// write-through cache. The authenticated Merkle layer lives in
// internal/merkle since it additionally depends on internal/keyseal; OEFS
// is the only consumer of a Device and never inspects block bytes beyond
// treating them as an opaque [Size]byte array.
package blockdev

import (
	"sync/atomic"

	"github.com/9176324/openenclave/internal/ekind"
)

// Size is the fixed block size every layer transports. No partial blocks
// cross a Device boundary.
const Size = 1024

// Block is one fixed-size, opaque unit of storage.
type Block [Size]byte

// Device is the interface every layer of the stack below OEFS satisfies.
// Get must return the content of the last committed Put for blkno; Put is
// durable after the matching End call reaches the bottom-most device.
// Begin/End pairs may nest; only the outermost End is required to flush.
type Device interface {
	Get(blkno uint32, out *Block) error
	Put(blkno uint32, in *Block) error
	Begin() error
	End() error
	AddRef()
	Release() error
}

// refCounted is embedded by every concrete layer to implement the
// AddRef/Release half of the Device contract: Release of the last
// reference also releases the device below.
type refCounted struct {
	refs int64
	next Device // nil at the bottom of the stack
}

func (r *refCounted) AddRef() { atomic.AddInt64(&r.refs, 1) }

// releaseSelf decrements the refcount and reports whether it reached zero (in
// which case the caller must tear down its own state before releasing
// r.next).
func (r *refCounted) releaseSelf() bool {
	return atomic.AddInt64(&r.refs, -1) == 0
}

func (r *refCounted) releaseNext() error {
	if r.next == nil {
		return nil
	}
	return r.next.Release()
}

func checkBlkno(op string, blkno, nblks uint32) error {
	if nblks != 0 && blkno >= nblks {
		return ekind.New(ekind.Invalid, op, nil)
	}
	return nil
}
