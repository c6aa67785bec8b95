package boardcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "board.ini")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeProfile(t, `
[pins]
swclk = 17
swdio = 27
nreset = 22
delay_ns = 500

[server]
http_addr = :8080
tcp_addr = :4404
tcp_max_clients = 2

[ble]
default_passkey = 654321

[power]
pin = 6
active_high = false

[upload]
app = 0x30000
`)
	p, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 17, p.SWCLKPin)
	require.Equal(t, 27, p.SWDIOPin)
	require.Equal(t, 22, p.NResetPin)
	require.Equal(t, 500, p.DelayNS)
	require.Equal(t, ":8080", p.HTTPAddr)
	require.Equal(t, ":4404", p.TCPAddr)
	require.Equal(t, 2, p.TCPMaxClients)
	require.Equal(t, uint32(654321), p.BLEDefaultPasskey)
	require.Equal(t, 6, p.PowerPin)
	require.False(t, p.PowerRailActiveHigh)
	require.Equal(t, uint32(0x30000), p.UploadBaseOverrides["app"])
	// Keys absent from the file keep their defaults.
	require.Equal(t, uint32(0x1000), p.UploadBaseOverrides["softdevice"])
}

func TestLoadMissingSectionsKeepDefaults(t *testing.T) {
	path := writeProfile(t, "[server]\nhttp_addr = :9090\n")
	p, err := Load(path)
	require.NoError(t, err)

	def := Default()
	require.Equal(t, ":9090", p.HTTPAddr)
	require.Equal(t, def.SWCLKPin, p.SWCLKPin)
	require.Equal(t, def.TCPAddr, p.TCPAddr)
	require.Equal(t, def.BLEDefaultPasskey, p.BLEDefaultPasskey)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.ini"))
	require.Error(t, err)
}
