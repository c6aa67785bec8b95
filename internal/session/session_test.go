package session

import (
	"testing"

	"github.com/soup0r/meshflasher/internal/dap"
	"github.com/soup0r/meshflasher/internal/swdline"
	"github.com/stretchr/testify/require"
)

func TestConnectPowersUpAndSelectsMemAP(t *testing.T) {
	target := swdline.NewVirtualTarget(0x2BA01477)
	s := New(target)

	d, err := s.Connect()
	require.NoError(t, err)
	require.Equal(t, uint32(0x2BA01477), d.IDCODE)
	require.Equal(t, uint32(0xA0000000), d.DebugPowerAckBits)
	require.Equal(t, uint8(0), d.SelectedAPIndex)
	require.True(t, s.IsConnected())
}

func TestConnectFailsOnDeadTarget(t *testing.T) {
	target := swdline.NewVirtualTarget(0)
	s := New(target)

	_, err := s.Connect()
	require.Error(t, err)
}

func TestDisconnectThenIsConnectedFalse(t *testing.T) {
	target := swdline.NewVirtualTarget(0x2BA01477)
	s := New(target)

	_, err := s.Connect()
	require.NoError(t, err)
	require.NoError(t, s.Disconnect())
	require.False(t, s.IsConnected())

	// disconnect is idempotent
	require.NoError(t, s.Disconnect())
	require.False(t, s.IsConnected())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	target := swdline.NewVirtualTarget(0x2BA01477)
	s := New(target)

	_, err := s.Connect()
	require.NoError(t, err)
	require.NoError(t, s.Disconnect())

	d, err := s.Reconnect()
	require.NoError(t, err)
	require.Equal(t, uint32(0x2BA01477), d.IDCODE)
	require.True(t, s.IsConnected())
}

func TestTransactorUsableAfterConnect(t *testing.T) {
	target := swdline.NewVirtualTarget(0x2BA01477)
	s := New(target)

	_, err := s.Connect()
	require.NoError(t, err)
	v, err := s.Transactor().ReadDP(dap.RegIDCODE)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2BA01477), v)
}
