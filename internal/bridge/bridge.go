// Package bridge wires the BLE central state machine to the TCP fan-out
// proxy: a pair of forward functions, BLE->TCP fan-out and TCP->BLE chunked
// write, connection-indexed rather than topic-indexed since there is only
// ever one live BLE link.
package bridge

import (
	"github.com/soup0r/meshflasher/internal/blecentral"
	"github.com/soup0r/meshflasher/internal/obslog"
)

var log = obslog.New("bridge")

// Proxy is the subset of internal/tcpproxy.Proxy the bridge depends on.
type Proxy interface {
	Broadcast(data []byte)
}

// Bridge owns the two forward functions. It implements
// internal/tcpproxy.BLESender so the proxy can chunk writes through it, and
// registers itself as the BLE notify handler so notifications fan out to
// every TCP client.
type Bridge struct {
	central *blecentral.Central
	proxy   Proxy
}

// New wires central and proxy together. Call Attach once both sides exist;
// New alone only returns the instance so callers can construct tcpproxy.New
// with the same Bridge as its BLESender before the Proxy itself exists (a
// single-assignment cycle broken by Attach).
func New(central *blecentral.Central) *Bridge {
	b := &Bridge{central: central}
	central.SetNotifyHandler(b.fanOut)
	return b
}

// Attach binds the TCP proxy once constructed, completing the BLE<->TCP
// wiring started in New.
func (b *Bridge) Attach(proxy Proxy) {
	b.proxy = proxy
}

// fanOut is the BLE notify callback: every inbound GATT notification is
// broadcast to all live TCP clients.
func (b *Bridge) fanOut(data []byte) {
	if b.proxy == nil {
		log.Warn("dropping BLE notification, no TCP proxy attached yet")
		return
	}
	b.proxy.Broadcast(data)
}

// MTU satisfies tcpproxy.BLESender: the current link MTU, or 0 with no
// active connection.
func (b *Bridge) MTU() int {
	return b.central.MTU()
}

// SendChunk satisfies tcpproxy.BLESender: writes one already MTU-sized
// chunk to the BLE RX characteristic.
func (b *Bridge) SendChunk(data []byte) error {
	return b.central.Send(data)
}
