package blecentral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, c *Central, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, _, _ := c.Status(); st == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, _, _ := c.Status()
	t.Fatalf("timed out waiting for state %s, currently %s", want, st)
}

func TestConnectReachesReady(t *testing.T) {
	stack := NewVirtualStack()
	c := New(stack, 123456)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Connect("AA:BB:CC:DD:EE:FF"))
	waitForState(t, c, StateReady, 3*time.Second)

	_, connected, peer := c.Status()
	require.True(t, connected)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", peer)
	require.Equal(t, 185, c.MTU())
}

func TestConnectRefusedWhenNotIdle(t *testing.T) {
	stack := NewVirtualStack()
	c := New(stack, 123456)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Connect("AA:BB:CC:DD:EE:FF"))
	err := c.Connect("11:22:33:44:55:66")
	require.Error(t, err)
}

func TestPasskeyInjectionPath(t *testing.T) {
	stack := NewVirtualStack()
	stack.RequirePasskey = true
	c := New(stack, 654321)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Connect("AA:BB:CC:DD:EE:FF"))
	waitForState(t, c, StateReady, 3*time.Second)
}

func TestSendRequiresReadyState(t *testing.T) {
	stack := NewVirtualStack()
	c := New(stack, 1)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	err := c.Send([]byte("hello"))
	require.Error(t, err)

	require.NoError(t, c.Connect("AA:BB:CC:DD:EE:FF"))
	waitForState(t, c, StateReady, 3*time.Second)

	require.NoError(t, c.Send([]byte("hello")))
	require.Len(t, stack.Sent, 1)
	require.Equal(t, []byte("hello"), stack.Sent[0])
}

func TestNotifyHandlerInvoked(t *testing.T) {
	stack := NewVirtualStack()
	c := New(stack, 1)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	received := make(chan []byte, 1)
	c.SetNotifyHandler(func(data []byte) { received <- data })

	require.NoError(t, c.Connect("AA:BB:CC:DD:EE:FF"))
	waitForState(t, c, StateReady, 3*time.Second)

	stack.Notify([]byte{0xDE, 0xAD})
	select {
	case data := <-received:
		require.Equal(t, []byte{0xDE, 0xAD}, data)
	case <-time.After(time.Second):
		t.Fatal("notify handler was not invoked")
	}
}

func TestScanPopulatesDeviceRegistry(t *testing.T) {
	stack := NewVirtualStack()
	stack.Advertisers = []Device{
		{Addr: "11:22:33:44:55:66", Name: "Meshtastic_abcd", RSSI: -48},
		{Addr: "AA:BB:CC:DD:EE:FF", Name: "nRF UART", RSSI: -70},
	}
	c := New(stack, 1)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Scan())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(c.Devices()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	devs := c.Devices()
	require.Len(t, devs, 2)
	require.Equal(t, "11:22:33:44:55:66", devs[0].Addr)
	require.Equal(t, "Meshtastic_abcd", devs[0].Name)
	require.Equal(t, -48, devs[0].RSSI)

	c.StopScan()
	c.ClearDevices()
	require.Empty(t, c.Devices())
}

func TestScanRefusedWhileConnected(t *testing.T) {
	stack := NewVirtualStack()
	c := New(stack, 1)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Connect("AA:BB:CC:DD:EE:FF"))
	waitForState(t, c, StateReady, 3*time.Second)
	require.Error(t, c.Scan())
}

func TestDisconnectReturnsToIdle(t *testing.T) {
	stack := NewVirtualStack()
	c := New(stack, 1)
	stack.Bind(c)
	c.Start()
	defer c.Stop()

	require.NoError(t, c.Connect("AA:BB:CC:DD:EE:FF"))
	waitForState(t, c, StateReady, 3*time.Second)

	require.NoError(t, c.Disconnect())
	waitForState(t, c, StateIdle, time.Second)
}
