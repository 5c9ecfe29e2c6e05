package admin

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nvme-userspace/nvme-pcie/internal/request"
	"github.com/nvme-userspace/nvme-pcie/internal/wire"
)

func TestBuildCreateIOCQPacksCDW10AndCDW11(t *testing.T) {
	cmd := BuildCreateIOCQ(3, 64, 0x1000)
	require.EqualValues(t, OpcodeCreateIOCQ, cmd.OPC())
	require.EqualValues(t, wire.PSDTPRP, cmd.PSDT())
	require.EqualValues(t, 0x1000, cmd.PRP1)
	require.EqualValues(t, (uint32(63)<<16)|3, cmd.CDW10)
	require.EqualValues(t, 0x1, cmd.CDW11)
}

func TestBuildCreateIOSQPacksCDW10AndCDW11(t *testing.T) {
	cmd := BuildCreateIOSQ(3, 64, 0x2000, 3, 1)
	require.EqualValues(t, OpcodeCreateIOSQ, cmd.OPC())
	require.EqualValues(t, 0x2000, cmd.PRP1)
	require.EqualValues(t, (uint32(63)<<16)|3, cmd.CDW10)
	require.EqualValues(t, (uint32(3)<<16)|(uint32(1)<<1)|0x1, cmd.CDW11)
}

func TestBuildDeleteIOCQAndIOSQCarryOnlyQID(t *testing.T) {
	cq := BuildDeleteIOCQ(5)
	require.EqualValues(t, OpcodeDeleteIOCQ, cq.OPC())
	require.EqualValues(t, 5, cq.CDW10)

	sq := BuildDeleteIOSQ(5)
	require.EqualValues(t, OpcodeDeleteIOSQ, sq.OPC())
	require.EqualValues(t, 5, sq.CDW10)
}

func TestProcessRegistryRoutesAndDrainsInOrder(t *testing.T) {
	reg := NewProcessRegistry()
	reg.RegisterProcess(100)

	var delivered []uint16
	for i := uint16(0); i < 3; i++ {
		i := i
		req := &request.Request{Callback: func(cpl *wire.Completion) {
			delivered = append(delivered, cpl.CID)
		}}
		reg.Route(100, req, wire.Completion{CID: i})
	}

	reg.Drain(100)
	require.Equal(t, []uint16{0, 1, 2}, delivered)

	// A second drain with nothing parked is a no-op, not a panic.
	reg.Drain(100)
	require.Equal(t, []uint16{0, 1, 2}, delivered)
}

func TestProcessRegistryDrainUnknownPIDIsNoOp(t *testing.T) {
	reg := NewProcessRegistry()
	require.NotPanics(t, func() { reg.Drain(999) })
}
