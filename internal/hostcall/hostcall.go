// Package hostcall models the single enclave↔host transport primitive:
// invoke_host(op_tag, blob). The real transport — an OCALL crossing the
// enclave boundary — is an external collaborator outside this module's
// scope; this package only defines the interface block I/O opcodes need and
// one concrete "no host" simulation backed by an ordinary file, for testing
// outside an enclave.
package hostcall

import (
	"encoding/binary"
	"os"

	"github.com/google/renameio"
	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/9176324/openenclave/internal/blockdev"
	"github.com/9176324/openenclave/internal/ekind"
)

// Op identifies the operation carried by a Blob, mirroring the opcode enum
// prefixed to every argument record in the original OCALL marshalling
// (original_source/host/blockdevice.h).
type Op uint32

const (
	OpOpen Op = iota
	OpClose
	OpGet
	OpPut
)

// Direction distinguishes a block-I/O request from its reply, matching the
// "direction" field in the block I/O opcode shape.
type Direction uint32

const (
	DirRequest Direction = iota
	DirReply
)

// args is the packed, fixed-offset argument record every block I/O call
// marshals, little-endian, no implicit padding (design note "Host call
// marshalling").
type args struct {
	Op        uint32
	Blkno     uint32
	Direction uint32
	Block     blockdev.Block
}

const argsSize = 4 + 4 + 4 + blockdev.Size

func (a *args) marshal() []byte {
	buf := make([]byte, argsSize)
	binary.LittleEndian.PutUint32(buf[0:4], a.Op)
	binary.LittleEndian.PutUint32(buf[4:8], a.Blkno)
	binary.LittleEndian.PutUint32(buf[8:12], a.Direction)
	copy(buf[12:], a.Block[:])
	return buf
}

func (a *args) unmarshal(buf []byte) error {
	if len(buf) != argsSize {
		return xerrors.New("hostcall: short argument record")
	}
	a.Op = binary.LittleEndian.Uint32(buf[0:4])
	a.Blkno = binary.LittleEndian.Uint32(buf[4:8])
	a.Direction = binary.LittleEndian.Uint32(buf[8:12])
	copy(a.Block[:], buf[12:])
	return nil
}

// Transport is the external collaborator every raw block device calls
// through. A real implementation crosses into host code; SimTransport below
// stands in for it when there is no host.
type Transport interface {
	InvokeHost(op Op, blob []byte) ([]byte, error)
}

// SimTransport is an in-process "no host" transport: it keeps the backing
// store in a plain file, an "in-enclave byte array" simulation mode, except
// persisted so that a process restart still observes previously Put blocks
// (giving the durability half of the Device contract real teeth). Every
// InvokeHost call copies whole blocks; there is no partial I/O.
type SimTransport struct {
	path  string
	nblks uint32
}

// NewSimTransport opens (creating if necessary) a backing file of exactly
// nblks blocks at path.
func NewSimTransport(path string, nblks uint32) (*SimTransport, error) {
	size := int64(nblks) * blockdev.Size
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, ekind.New(ekind.IO, "hostcall.NewSimTransport", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, ekind.New(ekind.IO, "hostcall.NewSimTransport", err)
	}
	if fi.Size() < size {
		if err := f.Truncate(size); err != nil {
			return nil, ekind.New(ekind.IO, "hostcall.NewSimTransport", err)
		}
	}
	return &SimTransport{path: path, nblks: nblks}, nil
}

// InvokeHost implements Transport. OpGet reads a block; OpPut writes one and
// atomically replaces the backing file so a torn write can never leave a
// half-written block on disk. Crash-recovery of partially-applied
// higher-layer state, e.g. the Merkle header, is still out of scope.
func (t *SimTransport) InvokeHost(op Op, blob []byte) ([]byte, error) {
	var a args
	if err := a.unmarshal(blob); err != nil {
		return nil, ekind.New(ekind.Invalid, "hostcall.InvokeHost", err)
	}
	if a.Blkno >= t.nblks {
		return nil, ekind.New(ekind.Invalid, "hostcall.InvokeHost", xerrors.New("blkno out of range"))
	}
	switch op {
	case OpGet:
		// mmap.Open is reopened per call rather than held across the
		// SimTransport's lifetime: OpPut replaces t.path wholesale via
		// renameio, so a reader held across a Put would keep mapping the
		// unlinked predecessor file instead of observing the new contents.
		r, err := mmap.Open(t.path)
		if err != nil {
			return nil, ekind.New(ekind.IO, "hostcall.InvokeHost", err)
		}
		defer r.Close()
		var out blockdev.Block
		if _, err := r.ReadAt(out[:], int64(a.Blkno)*blockdev.Size); err != nil {
			return nil, ekind.New(ekind.IO, "hostcall.InvokeHost", err)
		}
		reply := args{Op: uint32(op), Blkno: a.Blkno, Direction: uint32(DirReply), Block: out}
		return reply.marshal(), nil

	case OpPut:
		full, err := t.readAll()
		if err != nil {
			return nil, err
		}
		copy(full[int64(a.Blkno)*blockdev.Size:], a.Block[:])
		tmp, err := renameio.TempFile("", t.path)
		if err != nil {
			return nil, ekind.New(ekind.IO, "hostcall.InvokeHost", err)
		}
		if _, err := tmp.Write(full); err != nil {
			tmp.Cleanup()
			return nil, ekind.New(ekind.IO, "hostcall.InvokeHost", err)
		}
		if err := tmp.CloseAtomicallyReplace(); err != nil {
			return nil, ekind.New(ekind.IO, "hostcall.InvokeHost", err)
		}
		reply := args{Op: uint32(op), Blkno: a.Blkno, Direction: uint32(DirReply)}
		return reply.marshal(), nil

	default:
		return nil, ekind.New(ekind.Invalid, "hostcall.InvokeHost", xerrors.New("unsupported opcode"))
	}
}

func (t *SimTransport) readAll() ([]byte, error) {
	buf, err := os.ReadFile(t.path)
	if err != nil {
		return nil, ekind.New(ekind.IO, "hostcall.InvokeHost", err)
	}
	want := int64(t.nblks) * blockdev.Size
	if int64(len(buf)) < want {
		grown := make([]byte, want)
		copy(grown, buf)
		buf = grown
	}
	return buf, nil
}

// MarshalArgs and ParseReply let raw.go build/parse argument records without
// reaching into this package's unexported args type.
func MarshalArgs(op Op, blkno uint32, dir Direction, block *blockdev.Block) []byte {
	a := args{Op: uint32(op), Blkno: blkno, Direction: uint32(dir)}
	if block != nil {
		a.Block = *block
	}
	return a.marshal()
}

func ParseReply(blob []byte) (blkno uint32, block blockdev.Block, err error) {
	var a args
	if err := a.unmarshal(blob); err != nil {
		return 0, block, err
	}
	return a.Blkno, a.Block, nil
}
