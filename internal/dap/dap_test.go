package dap

import (
	"testing"

	"github.com/soup0r/meshflasher/internal/swdline"
	"github.com/stretchr/testify/require"
)

func newTransactorOnTarget() (*Transactor, *swdline.VirtualTarget) {
	target := swdline.NewVirtualTarget(0x2BA01477)
	return New(target), target
}

func TestReadDPIDCODE(t *testing.T) {
	tr, _ := newTransactorOnTarget()
	v, err := tr.ReadDP(RegIDCODE)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2BA01477), v)
}

func TestWriteThenReadDPCtrlStat(t *testing.T) {
	tr, _ := newTransactorOnTarget()
	require.NoError(t, tr.WriteDP(RegCTRLSTAT, 0x50000000))
	v, err := tr.ReadDP(RegCTRLSTAT)
	require.NoError(t, err)
	require.Equal(t, uint32(0xA0000000), v&0xA0000000)
}

// selectCountingLine counts the DP SELECT writes passed through to the target.
type selectCountingLine struct {
	swdline.Line
	selectWrites int
}

func (l *selectCountingLine) RawTransaction(port swdline.Port, access swdline.Access, addr4 uint8, data uint32) (swdline.Ack, uint32, error) {
	if port == swdline.DP && access == swdline.Write && addr4 == RegSELECT {
		l.selectWrites++
	}
	return l.Line.RawTransaction(port, access, addr4, data)
}

func TestSelectAPOnlyWritesOnChange(t *testing.T) {
	line := &selectCountingLine{Line: swdline.NewVirtualTarget(0x2BA01477)}
	tr := New(line)
	require.NoError(t, tr.selectAP(0, 0))
	require.True(t, tr.haveSelected)
	require.Equal(t, 1, line.selectWrites)
	// Re-selecting the same AP/bank should be a no-op, not re-issue SELECT;
	// WriteAP still must succeed regardless.
	require.NoError(t, tr.WriteAP(0, 0, 0x4, 0x1000))
	require.Equal(t, 1, line.selectWrites)
}

func TestReadAPChainsRDBUFF(t *testing.T) {
	tr, _ := newTransactorOnTarget()
	// MEM-AP IDR lives at bank 0xF, addr 0xC; the virtual target answers a
	// fixed pattern there via the posted-read/RDBUFF chain this wraps.
	v, err := tr.ReadAP(0, 0xF, 0xC)
	require.NoError(t, err)
	require.Equal(t, uint32(0x24770011), v)
}

func TestRetryOnWaitThenSucceeds(t *testing.T) {
	tr, target := newTransactorOnTarget()
	target.WaitCountdown = 3
	v, err := tr.ReadDP(RegIDCODE)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2BA01477), v)
}

func TestFaultTriggersAbortThenRetries(t *testing.T) {
	tr, target := newTransactorOnTarget()
	target.FaultOnce = true
	v, err := tr.ReadDP(RegIDCODE)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2BA01477), v)
}
