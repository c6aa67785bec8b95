package memap

import (
	"testing"

	"github.com/soup0r/meshflasher/internal/dap"
	"github.com/soup0r/meshflasher/internal/swdline"
	"github.com/stretchr/testify/require"
)

func newConnectedAccessor(t *testing.T) (*Accessor, *swdline.VirtualTarget) {
	t.Helper()
	target := swdline.NewVirtualTarget(0x2BA01477)
	tr := dap.New(target)
	require.NoError(t, tr.WriteDP(dap.RegCTRLSTAT, 0x50000000))
	// 32-bit size, auto-increment after access, matching internal/session's
	// post-connect CSW so the block accessors' TAR-wraparound handling can
	// be exercised the same way it runs against real silicon.
	require.NoError(t, tr.WriteAP(0, 0, 0x0, 0x23000052))
	return New(tr, 0), target
}

func TestWriteThenReadWord(t *testing.T) {
	a, _ := newConnectedAccessor(t)
	require.NoError(t, a.Write32(0x20000000, 0xCAFEBABE))
	v, err := a.Read32(0x20000000)
	require.NoError(t, err)
	require.Equal(t, uint32(0xCAFEBABE), v)
}

func TestReadWriteRejectsUnaligned(t *testing.T) {
	a, _ := newConnectedAccessor(t)
	_, err := a.Read32(0x20000001)
	require.Error(t, err)
	require.Error(t, a.Write32(0x20000002, 0))
}

func TestWriteBlockThenReadBlockRoundTrip(t *testing.T) {
	a, _ := newConnectedAccessor(t)
	words := []uint32{0x11111111, 0x22222222, 0x33333333, 0x44444444}
	require.NoError(t, a.WriteBlock32(0x20001000, words))

	got, err := a.ReadBlock32(0x20001000, len(words))
	require.NoError(t, err)
	require.Equal(t, words, got)
}

func TestReadBlockCrossing1KiBBoundary(t *testing.T) {
	a, _ := newConnectedAccessor(t)
	// 256 words = 1KiB, so this block straddles the TAR wraparound boundary
	// the accessor must re-write TAR at.
	base := uint32(0x20000C00 - 4*4) // ends a few words past the 1KiB mark
	n := 8
	words := make([]uint32, n)
	for i := range words {
		words[i] = uint32(0x1000 + i)
	}
	require.NoError(t, a.WriteBlock32(base, words))
	got, err := a.ReadBlock32(base, n)
	require.NoError(t, err)
	require.Equal(t, words, got)
}

func TestWriteBlockEmptyIsNoOp(t *testing.T) {
	a, _ := newConnectedAccessor(t)
	require.NoError(t, a.WriteBlock32(0x20000000, nil))
	got, err := a.ReadBlock32(0x20000000, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}
