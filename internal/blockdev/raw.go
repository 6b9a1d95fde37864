package blockdev

import (
	"github.com/9176324/openenclave/internal/ekind"
	"github.com/9176324/openenclave/internal/hostcall"
)

// RawDevice bridges block I/O to hostcall.Transport. It is the
// bottom of every device stack: Begin/End are no-ops here because the
// transport itself is synchronous and every Put already reaches the host
// before returning.
type RawDevice struct {
	refCounted
	t     hostcall.Transport
	nblks uint32
}

// NewRaw wraps t as a Device transporting exactly nblks blocks.
func NewRaw(t hostcall.Transport, nblks uint32) *RawDevice {
	d := &RawDevice{t: t, nblks: nblks}
	d.refs = 1
	return d
}

func (d *RawDevice) Get(blkno uint32, out *Block) error {
	if err := checkBlkno("blockdev.RawDevice.Get", blkno, d.nblks); err != nil {
		return err
	}
	blob := hostcall.MarshalArgs(hostcall.OpGet, blkno, hostcall.DirRequest, nil)
	reply, err := d.t.InvokeHost(hostcall.OpGet, blob)
	if err != nil {
		return ekind.New(ekind.IO, "blockdev.RawDevice.Get", err)
	}
	_, block, err := hostcall.ParseReply(reply)
	if err != nil {
		return ekind.New(ekind.IO, "blockdev.RawDevice.Get", err)
	}
	*out = block
	return nil
}

func (d *RawDevice) Put(blkno uint32, in *Block) error {
	if err := checkBlkno("blockdev.RawDevice.Put", blkno, d.nblks); err != nil {
		return err
	}
	blob := hostcall.MarshalArgs(hostcall.OpPut, blkno, hostcall.DirRequest, in)
	if _, err := d.t.InvokeHost(hostcall.OpPut, blob); err != nil {
		return ekind.New(ekind.IO, "blockdev.RawDevice.Put", err)
	}
	return nil
}

// Begin/End bracket nothing at this layer: the transport call in Put already
// completed (and was durable, per SimTransport's atomic replace) by the time
// it returns. Nesting is still honored so upper layers can call Begin/End
// unconditionally.
func (d *RawDevice) Begin() error { return nil }
func (d *RawDevice) End() error   { return nil }

func (d *RawDevice) Release() error {
	if !d.releaseSelf() {
		return nil
	}
	return d.releaseNext()
}

// NumBlocks reports the fixed block count this raw device was created with.
func (d *RawDevice) NumBlocks() uint32 { return d.nblks }
