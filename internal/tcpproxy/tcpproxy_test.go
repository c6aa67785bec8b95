package tcpproxy

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeBLE struct {
	mu     sync.Mutex
	mtu    int
	chunks [][]byte
}

func (f *fakeBLE) MTU() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtu
}

func (f *fakeBLE) SendChunk(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.chunks = append(f.chunks, cp)
	return nil
}

func dialLoopback(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, err)
	return nil
}

func TestBroadcastReachesAllClients(t *testing.T) {
	ble := &fakeBLE{mtu: 185}
	p := New("127.0.0.1:0", 4, ble)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	p.addr = addr

	require.NoError(t, p.Start())
	defer p.Shutdown()

	c1 := dialLoopback(t, addr)
	defer c1.Close()
	c2 := dialLoopback(t, addr)
	defer c2.Close()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, p.ClientCount())

	p.Broadcast([]byte("hello"))

	buf := make([]byte, 16)
	c1.SetReadDeadline(time.Now().Add(time.Second))
	n, err := c1.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	c2.SetReadDeadline(time.Now().Add(time.Second))
	n, err = c2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestClientLimitRejectsExtraConnections(t *testing.T) {
	ble := &fakeBLE{mtu: 185}
	p := New("127.0.0.1:0", 1, ble)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	p.addr = addr

	require.NoError(t, p.Start())
	defer p.Shutdown()

	c1 := dialLoopback(t, addr)
	defer c1.Close()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, p.ClientCount())

	c2 := dialLoopback(t, addr)
	defer c2.Close()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, p.ClientCount())

	buf := make([]byte, 8)
	c2.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c2.Read(buf)
	require.Error(t, err)
}

func TestForwardToBLEChunksByMTU(t *testing.T) {
	ble := &fakeBLE{mtu: 23}
	p := New("127.0.0.1:0", 4, ble)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	p.addr = addr

	require.NoError(t, p.Start())
	defer p.Shutdown()

	conn := dialLoopback(t, addr)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	payload := make([]byte, 50)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = conn.Write(payload)
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	ble.mu.Lock()
	defer ble.mu.Unlock()
	require.Greater(t, len(ble.chunks), 1)
	total := 0
	for _, c := range ble.chunks {
		require.LessOrEqual(t, len(c), 20)
		total += len(c)
	}
	require.Equal(t, 50, total)
}
