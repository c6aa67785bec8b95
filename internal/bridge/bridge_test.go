package bridge

import (
	"testing"
	"time"

	"github.com/soup0r/meshflasher/internal/blecentral"
	"github.com/stretchr/testify/require"
)

type fakeProxy struct {
	broadcasts [][]byte
}

func (f *fakeProxy) Broadcast(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.broadcasts = append(f.broadcasts, cp)
}

func TestFanOutReachesProxy(t *testing.T) {
	stack := blecentral.NewVirtualStack()
	central := blecentral.New(stack, 1)
	stack.Bind(central)
	central.Start()
	defer central.Stop()

	b := New(central)
	proxy := &fakeProxy{}
	b.Attach(proxy)

	require.NoError(t, central.Connect("AA:BB:CC:DD:EE:FF"))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, connected, _ := central.Status(); connected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stack.Notify([]byte{1, 2, 3})
	time.Sleep(50 * time.Millisecond)

	require.Len(t, proxy.broadcasts, 1)
	require.Equal(t, []byte{1, 2, 3}, proxy.broadcasts[0])
}

func TestSendChunkUsesCentral(t *testing.T) {
	stack := blecentral.NewVirtualStack()
	central := blecentral.New(stack, 1)
	stack.Bind(central)
	central.Start()
	defer central.Stop()

	b := New(central)
	require.Equal(t, 0, b.MTU())

	require.NoError(t, central.Connect("AA:BB:CC:DD:EE:FF"))
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, connected, _ := central.Status(); connected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.Equal(t, 185, b.MTU())
	require.NoError(t, b.SendChunk([]byte("hi")))
	require.Len(t, stack.Sent, 1)
}
