package platform

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"
)

// region is a byte-addressable chunk of simulated host or device memory:
// a mapped BAR, or a DMA allocation.
type region struct {
	virt uintptr
	buf  []byte
}

// Simulated is an in-process, heap-backed stand-in for real hardware. It
// never touches a device node; every BAR is a plain byte slice and every
// DMA allocation is identity-mapped (phys == virt, truncated to 64 bits),
// which is enough for the transport's own logic to exercise fully without
// a VFIO-bound card. Grounded on the teacher's NewStubRunner/stubLoop
// simulation mode, which plays the same role for an unavailable ublk
// char device.
type Simulated struct {
	mu sync.Mutex

	bars    map[int]*region
	dmaRegs map[uintptr]*region
	cfg     [256]byte

	// BARSize is the length of every BAR MapBAR creates; zero means 16 KiB.
	// Tests seed registers (CAP, CMBSZ/CMBLOC, ...) by writing into the
	// mapped BAR0 memory, since the register window lives there, not in
	// config space.
	BARSize uint64
}

// NewSimulated creates a simulated platform with barSize bytes available
// for BAR0 (the NVMe register space) when MapBAR(0) is called.
func NewSimulated(barSize uint64) *Simulated {
	return &Simulated{
		bars:    make(map[int]*region),
		dmaRegs: make(map[uintptr]*region),
		BARSize: barSize,
	}
}

func (s *Simulated) MapBAR(barIndex int) (uintptr, uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.bars[barIndex]; ok {
		return r.virt, uint64(r.virt), uint64(len(r.buf)), nil
	}

	size := s.BARSize
	if size == 0 {
		size = 16 * 1024
	}
	buf := make([]byte, size)
	virt := uintptr(unsafe.Pointer(&buf[0]))
	r := &region{virt: virt, buf: buf}
	s.bars[barIndex] = r
	return virt, uint64(virt), size, nil
}

func (s *Simulated) UnmapBAR(virt uintptr, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx, r := range s.bars {
		if r.virt == virt {
			delete(s.bars, idx)
			return nil
		}
	}
	return fmt.Errorf("platform: unmap of unknown BAR at %#x", virt)
}

func (s *Simulated) CfgRead32(offset int) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset+4 > len(s.cfg) {
		return 0, fmt.Errorf("platform: config read offset %#x out of range", offset)
	}
	return binary.LittleEndian.Uint32(s.cfg[offset:]), nil
}

func (s *Simulated) CfgWrite32(offset int, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 || offset+4 > len(s.cfg) {
		return fmt.Errorf("platform: config write offset %#x out of range", offset)
	}
	binary.LittleEndian.PutUint32(s.cfg[offset:], value)
	return nil
}

func (s *Simulated) DMAAlloc(size int, align int) (uintptr, uint64, error) {
	if align <= 0 {
		align = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// over-allocate so an aligned pointer within the buffer is guaranteed
	// to exist, then register only the aligned sub-slice.
	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(align-1)) &^ uintptr(align-1)
	offset := aligned - base
	buf := raw[offset : offset+uintptr(size)]

	r := &region{virt: aligned, buf: buf}
	s.dmaRegs[aligned] = r
	return aligned, uint64(aligned), nil
}

func (s *Simulated) DMAFree(virt uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dmaRegs[virt]; !ok {
		return fmt.Errorf("platform: free of unknown DMA region at %#x", virt)
	}
	delete(s.dmaRegs, virt)
	return nil
}

func (s *Simulated) VirtToPhys(virt uintptr) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for base, r := range s.dmaRegs {
		if virt >= base && virt < base+uintptr(len(r.buf)) {
			return uint64(virt), true
		}
	}
	return VtoPError, false
}

func (s *Simulated) find(addr uintptr) []byte {
	for _, r := range s.bars {
		if addr >= r.virt && addr < r.virt+uintptr(len(r.buf)) {
			return r.buf[addr-r.virt:]
		}
	}
	for _, r := range s.dmaRegs {
		if addr >= r.virt && addr < r.virt+uintptr(len(r.buf)) {
			return r.buf[addr-r.virt:]
		}
	}
	return nil
}

func (s *Simulated) MMIORead32(addr uintptr) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.find(addr)
	if buf == nil || len(buf) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(buf)
}

func (s *Simulated) MMIORead64(addr uintptr) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.find(addr)
	if buf == nil || len(buf) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}

func (s *Simulated) MMIOWrite32(addr uintptr, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.find(addr)
	if buf == nil || len(buf) < 4 {
		return
	}
	binary.LittleEndian.PutUint32(buf, value)
}

func (s *Simulated) MMIOWrite64(addr uintptr, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.find(addr)
	if buf == nil || len(buf) < 8 {
		return
	}
	binary.LittleEndian.PutUint64(buf, value)
}

func (s *Simulated) Wmb() {
	Wmb()
}

var _ Platform = (*Simulated)(nil)
