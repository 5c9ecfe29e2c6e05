// Package regs implements the typed register window (spec component A)
// over a mapped BAR0: capability, configuration, status, admin-queue, and
// CMB registers, plus the doorbell array. Every register get/set is
// bounds-checked against the fixed NVMe register space (doorbell writes
// through RingDoorbell are not), and every access goes through the platform
// facility's MMIO primitives — nothing here dereferences memory directly.
package regs

import (
	"fmt"

	"github.com/nvme-userspace/nvme-pcie/internal/platform"
)

// Fixed byte offsets of the NVMe controller register set, matching
// nvme_pcie.c's spdk_nvme_registers layout.
const (
	offCAP    = 0x00
	offVS     = 0x08
	offCC     = 0x14
	offCSTS   = 0x1c
	offAQA    = 0x24
	offASQ    = 0x28
	offACQ    = 0x30
	offCMBLOC = 0x38
	offCMBSZ  = 0x3c

	// RegSpaceSize bounds offset validity for get/set, mirroring
	// nvme_pcie_reg_addr's check against sizeof(struct spdk_nvme_registers).
	RegSpaceSize = 0x1000

	// DoorbellBase is the byte offset of the doorbell array from BAR0's
	// virtual base.
	DoorbellBase = 0x1000
)

// Window is a mapped, bounds-checked view over a controller's register
// BAR. Created at controller construct, destroyed at destruct.
type Window struct {
	plat platform.Platform
	virt uintptr
	size uint64
}

// New wraps a BAR0 mapping already obtained from the platform facility.
func New(plat platform.Platform, virt uintptr, size uint64) *Window {
	return &Window{plat: plat, virt: virt, size: size}
}

func (w *Window) checkOffset(offset int, width int) error {
	if offset < 0 || offset+width > int(w.size) || offset+width > RegSpaceSize {
		return fmt.Errorf("regs: offset %#x width %d out of bounds (regspace %#x, bar %#x)", offset, width, RegSpaceSize, w.size)
	}
	return nil
}

// Get32 and Get64 read a raw register at an arbitrary offset, the
// general-purpose form behind the typed accessors below and behind
// ControllerTransport's get_reg32/64 public operations.
func (w *Window) Get32(offset int) (uint32, error) {
	if err := w.checkOffset(offset, 4); err != nil {
		return 0, err
	}
	return w.plat.MMIORead32(w.virt + uintptr(offset)), nil
}

func (w *Window) Get64(offset int) (uint64, error) {
	if err := w.checkOffset(offset, 8); err != nil {
		return 0, err
	}
	return w.plat.MMIORead64(w.virt + uintptr(offset)), nil
}

// Set32 and Set64 write a raw register at an arbitrary offset.
func (w *Window) Set32(offset int, value uint32) error {
	if err := w.checkOffset(offset, 4); err != nil {
		return err
	}
	w.plat.MMIOWrite32(w.virt+uintptr(offset), value)
	return nil
}

func (w *Window) Set64(offset int, value uint64) error {
	if err := w.checkOffset(offset, 8); err != nil {
		return err
	}
	w.plat.MMIOWrite64(w.virt+uintptr(offset), value)
	return nil
}

// CAP is the decoded contents of the Controller Capabilities register.
type CAP struct {
	MQES  uint16 // Maximum Queue Entries Supported minus 1
	CQR   bool   // Contiguous Queues Required
	DSTRD uint32 // Doorbell Stride, log2(stride/4)
	CSS   uint8  // Command Sets Supported
	MPSMIN uint8
	MPSMAX uint8
}

// GetCAP reads and decodes the Controller Capabilities register.
func (w *Window) GetCAP() (CAP, error) {
	raw, err := w.Get64(offCAP)
	if err != nil {
		return CAP{}, err
	}
	return CAP{
		MQES:   uint16(raw & 0xffff),
		CQR:    (raw>>16)&0x1 != 0,
		DSTRD:  uint32((raw >> 32) & 0xf),
		CSS:    uint8((raw >> 37) & 0xff),
		MPSMIN: uint8((raw >> 48) & 0xf),
		MPSMAX: uint8((raw >> 52) & 0xf),
	}, nil
}

// DoorbellStrideU32 returns 1<<DSTRD, the doorbell spacing in 4-byte units.
func (c CAP) DoorbellStrideU32() uint32 {
	return 1 << c.DSTRD
}

// GetCC reads the Controller Configuration register.
func (w *Window) GetCC() (uint32, error) { return w.Get32(offCC) }

// SetCC writes the Controller Configuration register.
func (w *Window) SetCC(value uint32) error { return w.Set32(offCC, value) }

// Controller Configuration bit layout (subset this transport touches).
const (
	CCEnable = 1 << 0
)

// GetCSTS reads the Controller Status register.
func (w *Window) GetCSTS() (uint32, error) { return w.Get32(offCSTS) }

const (
	CSTSReady = 1 << 0
)

// SetAQA writes the Admin Queue Attributes register: asqs/acqs are N-1
// (queue size minus one), each clamped to 12 bits per the register format.
func (w *Window) SetAQA(asqs, acqs uint16) error {
	val := uint32(asqs&0xfff) | (uint32(acqs&0xfff) << 16)
	return w.Set32(offAQA, val)
}

// SetASQ and SetACQ write the admin SQ/CQ base physical addresses.
func (w *Window) SetASQ(phys uint64) error { return w.Set64(offASQ, phys) }
func (w *Window) SetACQ(phys uint64) error { return w.Set64(offACQ, phys) }

// CMBLOC is the decoded Controller Memory Buffer Location register.
type CMBLOC struct {
	BIR  uint8
	OFST uint32 // offset in CMBSZ units
}

func (w *Window) GetCMBLOC() (CMBLOC, error) {
	raw, err := w.Get32(offCMBLOC)
	if err != nil {
		return CMBLOC{}, err
	}
	return CMBLOC{
		BIR:  uint8(raw & 0x7),
		OFST: raw >> 12,
	}, nil
}

// CMBSZ is the decoded Controller Memory Buffer Size register.
type CMBSZ struct {
	SQS  bool // submission queues supported
	CQS  bool // completion queues supported
	SZU  uint8
	SZ   uint32
}

func (w *Window) GetCMBSZ() (CMBSZ, error) {
	raw, err := w.Get32(offCMBSZ)
	if err != nil {
		return CMBSZ{}, err
	}
	return CMBSZ{
		SQS: raw&0x1 != 0,
		CQS: raw&0x2 != 0,
		SZU: uint8((raw >> 8) & 0xf),
		SZ:  raw >> 12,
	}, nil
}

// DoorbellAddr computes the virtual address of the tail (submission) or
// head (completion) doorbell for queue qid, given the doorbell stride
// decoded from CAP.DSTRD.
func (w *Window) DoorbellAddr(qid int, completion bool, strideU32 uint32) uintptr {
	idx := 2*qid + 0
	if completion {
		idx = 2*qid + 1
	}
	return w.virt + DoorbellBase + uintptr(idx)*uintptr(strideU32)*4
}

// RingDoorbell issues a write-memory-barrier and then writes value to the
// given doorbell address. Every doorbell write in the transport goes
// through this one function so the ordering guarantee (§5: "command bytes
// are written before sq_tail is advanced; wmb precedes the doorbell MMIO
// write") has exactly one place it can be violated.
func (w *Window) RingDoorbell(addr uintptr, value uint32) {
	w.plat.Wmb()
	w.plat.MMIOWrite32(addr, value)
}
