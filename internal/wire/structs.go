// Package wire defines the on-the-wire NVMe structures this transport
// reads and writes directly: submission/completion queue entries and SGL
// descriptors. Every struct here has a fixed, spec-mandated byte layout,
// checked at compile time the same way the teacher checks its ublk UAPI
// structs in internal/uapi/structs.go.
package wire

import "unsafe"

// Command is a 64-byte NVMe Submission Queue Entry (SQE). CDW0 packs
// opcode, fuse bits, PSDT, and the command identifier the way real NVMe
// hardware expects, exactly as UblksrvIODesc packs op/flags into a single
// word in the teacher's UAPI structs — a GetX()/SetX() accessor pair
// stands in for a bitfield.
type Command struct {
	CDW0  uint32 // opc(0:7) | fuse(8:9) | rsvd(10:13) | psdt(14:15) | cid(16:31)
	NSID  uint32
	_     uint64 // CDW2/CDW3 reserved
	MPTR  uint64
	PRP1  uint64
	PRP2  uint64
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

func (c *Command) OPC() uint8 { return uint8(c.CDW0) }
func (c *Command) SetOPC(opc uint8) {
	c.CDW0 = (c.CDW0 &^ 0xff) | uint32(opc)
}

func (c *Command) PSDT() uint8 { return uint8((c.CDW0 >> 14) & 0x3) }
func (c *Command) SetPSDT(psdt uint8) {
	c.CDW0 = (c.CDW0 &^ (0x3 << 14)) | (uint32(psdt&0x3) << 14)
}

func (c *Command) CID() uint16 { return uint16(c.CDW0 >> 16) }
func (c *Command) SetCID(cid uint16) {
	c.CDW0 = (c.CDW0 & 0xffff) | (uint32(cid) << 16)
}

// PSDT values for Command.PSDT()'s two bits.
const (
	PSDTPRP              = 0x0
	PSDTSGLMetaContig    = 0x1
	PSDTSGLMetaSegmented = 0x2
)

// Completion is a 16-byte NVMe Completion Queue Entry (CQE).
type Completion struct {
	DW0    uint32 // command-specific
	DW1    uint32 // reserved
	SQHD   uint16 // SQ head pointer
	SQID   uint16 // SQ identifier
	CID    uint16 // command identifier, indexes the owning tracker
	Status uint16 // phase bit (bit 0) | status code bits (1:15)
}

// Phase reports the completion's phase bit.
func (c *Completion) Phase() uint16 { return c.Status & 0x1 }

// SC extracts the status code (bits 1:8 of Status).
func (c *Completion) SC() uint8 { return uint8((c.Status >> 1) & 0xff) }

// SCT extracts the status code type (bits 9:11 of Status).
func (c *Completion) SCT() uint8 { return uint8((c.Status >> 9) & 0x7) }

// DNR extracts the do-not-retry bit (bit 15 of Status).
func (c *Completion) DNR() bool { return c.Status&0x8000 != 0 }

// Status code types (SCT).
const (
	SCTGeneric  = 0x0
	SCTCommand  = 0x1
	SCTMediaErr = 0x2
)

// Generic status codes (SC) under SCTGeneric.
const (
	SCSuccess      = 0x00
	SCInvalidField = 0x02
	SCAbortedByReq = 0x07
	SCAbortedSQDel = 0x08
)

// MakeStatus packs sct/sc/dnr and the given phase bit into a Status value.
func MakeStatus(sct, sc uint8, dnr bool, phase uint16) uint16 {
	s := (uint16(sct&0x7) << 9) | (uint16(sc) << 1) | (phase & 0x1)
	if dnr {
		s |= 0x8000
	}
	return s
}

// SGLDescriptor is a 16-byte NVMe SGL descriptor.
type SGLDescriptor struct {
	Addr uint64
	// LengthAndType packs a 32-bit length in the low bits and the
	// descriptor type in the top byte, per the NVMe SGL descriptor format.
	LengthAndType uint64
}

// SGL descriptor types (top nibble of the type byte).
const (
	SGLTypeDataBlock   = 0x0
	SGLTypeLastSegment = 0x3
)

func MakeSGLDescriptor(addr uint64, length uint32, typ uint8) SGLDescriptor {
	return SGLDescriptor{
		Addr:          addr,
		LengthAndType: uint64(length) | (uint64(typ) << 60),
	}
}

const (
	cmdSize = 64
	cplSize = 16
	sglSize = 16
)

var (
	_ [cmdSize]byte = [unsafe.Sizeof(Command{})]byte{}
	_ [cplSize]byte = [unsafe.Sizeof(Completion{})]byte{}
	_ [sglSize]byte = [unsafe.Sizeof(SGLDescriptor{})]byte{}
)
