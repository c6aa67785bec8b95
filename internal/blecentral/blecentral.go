// Package blecentral implements the BLE central state machine: connect,
// MTU exchange, pairing with passkey injection, GATT service and
// characteristic discovery, and CCCD subscription. The BLE host stack
// itself is an external collaborator; Stack is the interface boundary it
// must satisfy.
//
// Callback-heavy BLE host stacks surface events via function pointers; this
// translates those callbacks into Events pushed onto a channel that a
// single goroutine drains, so state transitions never race with callback
// delivery.
package blecentral

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/obslog"
)

var log = obslog.New("blecentral")

// State is one node of the central's connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateMTUExchanged
	StateSecuring
	StatePasskey
	StateEncrypted
	StateDiscovering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateMTUExchanged:
		return "MTU_EXCHANGED"
	case StateSecuring:
		return "SECURING"
	case StatePasskey:
		return "PASSKEY"
	case StateEncrypted:
		return "ENCRYPTED"
	case StateDiscovering:
		return "DISCOVERING"
	case StateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Well-known 128-bit service UUIDs accepted during service discovery.
const (
	UUIDNordicUART = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	UUIDMeshtastic = "6BA1B218-15A8-461F-9FA8-5DCAE273EAFD"
	uuidCCCD16     = "2902"
)

const (
	charPropNotify      = 1 << 0
	charPropIndicate    = 1 << 1
	charPropWrite       = 1 << 2
	charPropWriteNoResp = 1 << 3
)

// PasskeyAction distinguishes the pairing prompts the stack can raise:
// passkey input, numeric comparison, and a repeat-pairing request.
type PasskeyAction int

const (
	PasskeyInput PasskeyAction = iota
	PasskeyNumCmp
	PasskeyRepeat
)

// Characteristic describes one discovered GATT characteristic.
type Characteristic struct {
	ValueHandle uint16
	Props       uint8
}

// Device is one peer seen while scanning, keyed by address in the Central's
// discovery registry.
type Device struct {
	Addr string `json:"addr"`
	Name string `json:"name,omitempty"`
	RSSI int    `json:"rssi"`
}

// Stack is the BLE host stack boundary: everything this module needs from
// an external central-role BLE implementation. All methods are expected to
// be asynchronous; completion is reported back via Central.Deliver.
type Stack interface {
	StartScan() error
	CancelScan()
	Connect(addr string) error
	ExchangeMTU(connHandle uint16) error
	SecurityInitiate(connHandle uint16) error
	InjectPasskey(connHandle uint16, passkey uint32) error
	AcceptNumericComparison(connHandle uint16) error
	DiscoverServices(connHandle uint16) error
	DiscoverCharacteristics(connHandle uint16, serviceUUID string) error
	DiscoverDescriptors(connHandle uint16, charValueHandle uint16) error
	WriteCCCD(connHandle uint16, cccdHandle uint16, value []byte) error
	WriteRX(connHandle uint16, valHandle uint16, data []byte) error
	Disconnect(connHandle uint16) error
	DeleteBond(peerAddr string) error
}

// EventKind enumerates the asynchronous callbacks the Stack delivers.
type EventKind int

const (
	EvConnected EventKind = iota
	EvMTU
	EvPasskeyAction
	EvEncChange
	EvServiceFound
	EvCharFound
	EvDescriptorFound
	EvCCCDWritten
	EvNotifyRx
	EvDisconnected
	EvDeviceFound
)

// Event is one BLE host stack callback, normalized into a value the
// Central's single drain goroutine can switch on.
type Event struct {
	Kind        EventKind
	ConnHandle  uint16
	PeerAddr    string
	Name        string
	RSSI        int
	MTU         int
	Success     bool
	ServiceUUID string
	Char        Characteristic
	DescUUID16  string
	DescHandle  uint16
	Action      PasskeyAction
	Data        []byte
}

// ctx is the BLE connection context tracked for the single live connection.
type ctx struct {
	connHandle    uint16
	peerAddr      string
	mtu           int
	encrypted     bool
	txValHandle   uint16
	txIsIndicate  bool
	rxValHandle   uint16
	txCCCDHandle  uint16
	serviceUUID   string
	charsDone     bool
	dscDone       bool
	notifyEnabled bool
}

// Central is the BLE central state machine. Exactly one connection exists
// at a time.
type Central struct {
	mu       sync.Mutex
	state    State
	conn     *ctx
	scanning bool
	devices  map[string]Device

	stack          Stack
	defaultPasskey uint32
	events         chan Event
	stop           chan struct{}
	onNotify       func(data []byte)
}

// New constructs a Central bound to a Stack, draining its events on a single
// goroutine (Start must be called before Connect).
func New(stack Stack, defaultPasskey uint32) *Central {
	return &Central{
		state:          StateIdle,
		devices:        make(map[string]Device),
		stack:          stack,
		defaultPasskey: defaultPasskey,
		events:         make(chan Event, 32),
		stop:           make(chan struct{}),
	}
}

// SetNotifyHandler registers the callback invoked for every EvNotifyRx
// event; internal/bridge wires this to the TCP fan-out proxy.
func (c *Central) SetNotifyHandler(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNotify = fn
}

// Start launches the single event-draining goroutine.
func (c *Central) Start() {
	go c.run()
}

// Stop terminates the event-draining goroutine.
func (c *Central) Stop() {
	close(c.stop)
}

// Deliver is called by the Stack (or its adapter) to push one event. It
// never blocks the BLE host task for long: the channel is buffered and the
// drain loop does the real work.
func (c *Central) Deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
		log.Warn("event channel full, dropping event", ev.Kind)
	}
}

func (c *Central) run() {
	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Status returns the current state and peer address, for GET /ble/conn_status.
func (c *Central) Status() (state State, connected bool, peerAddr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		peerAddr = c.conn.peerAddr
	}
	return c.state, c.state == StateReady, peerAddr
}

// Scan starts peer discovery, populating the device registry served by
// Devices. It refuses while a connection attempt or link is active.
func (c *Central) Scan() error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return &errs.BleError{Kind: errs.BleConnect, Err: errs.ErrInvalidState}
	}
	c.scanning = true
	c.mu.Unlock()
	if err := c.stack.StartScan(); err != nil {
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		return &errs.BleError{Kind: errs.BleConnect, Err: err}
	}
	return nil
}

// StopScan cancels an in-flight scan; a no-op when none is running.
func (c *Central) StopScan() {
	c.mu.Lock()
	c.scanning = false
	c.mu.Unlock()
	c.stack.CancelScan()
}

// Devices returns a snapshot of every peer seen since the last ClearDevices.
func (c *Central) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// ClearDevices empties the discovery registry.
func (c *Central) ClearDevices() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = make(map[string]Device)
}

// Connect begins a connection attempt. It cancels any outstanding scan,
// waits >=100ms, and refuses if not in IDLE.
func (c *Central) Connect(addr string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return &errs.BleError{Kind: errs.BleConnect, Err: errs.ErrInvalidState}
	}
	c.scanning = false
	c.stack.CancelScan()
	c.mu.Unlock()

	time.Sleep(100 * time.Millisecond)

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return &errs.BleError{Kind: errs.BleConnect, Err: errs.ErrInvalidState}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.stack.Connect(addr); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return &errs.BleError{Kind: errs.BleConnect, Err: err}
	}
	return nil
}

// Disconnect is safe from any state. With a connection context it asks the
// Stack to disconnect and reaches IDLE only once the Stack confirms via an
// EvDisconnected event; with no connection context (including while still
// CONNECTING) it sets IDLE at once without calling the Stack.
func (c *Central) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return nil
	}
	return c.stack.Disconnect(conn.connHandle)
}

func (c *Central) fail(kind errs.BleErrorKind, err error) {
	log.WithError(err).Warn(fmt.Sprintf("ble %s failed, returning to IDLE", kind))
	c.mu.Lock()
	c.state = StateIdle
	c.conn = nil
	c.mu.Unlock()
}

func (c *Central) handle(ev Event) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch ev.Kind {
	case EvConnected:
		if state != StateConnecting {
			return
		}
		if !ev.Success {
			c.fail(errs.BleConnect, errs.ErrInvalidState)
			return
		}
		c.mu.Lock()
		c.conn = &ctx{connHandle: ev.ConnHandle, peerAddr: ev.PeerAddr}
		c.state = StateConnected
		c.mu.Unlock()
		if err := c.stack.ExchangeMTU(ev.ConnHandle); err != nil {
			c.fail(errs.BleConnect, err)
		}

	case EvMTU:
		if state != StateConnected {
			return
		}
		c.mu.Lock()
		c.conn.mtu = ev.MTU
		c.state = StateMTUExchanged
		c.mu.Unlock()
		// ~1s hold to let the stack stabilize before starting security.
		time.AfterFunc(time.Second, func() {
			c.mu.Lock()
			if c.state != StateMTUExchanged || c.conn == nil {
				c.mu.Unlock()
				return
			}
			handle := c.conn.connHandle
			c.state = StateSecuring
			c.mu.Unlock()
			if err := c.stack.SecurityInitiate(handle); err != nil {
				c.fail(errs.BlePair, err)
			}
		})

	case EvPasskeyAction:
		if state != StateSecuring && state != StatePasskey {
			return
		}
		switch ev.Action {
		case PasskeyInput:
			c.mu.Lock()
			c.state = StatePasskey
			handle := c.conn.connHandle
			c.mu.Unlock()
			if err := c.stack.InjectPasskey(handle, c.defaultPasskey); err != nil {
				c.fail(errs.BlePair, err)
				return
			}
			c.mu.Lock()
			c.state = StateSecuring
			c.mu.Unlock()
		case PasskeyNumCmp:
			c.mu.Lock()
			handle := c.conn.connHandle
			c.mu.Unlock()
			if err := c.stack.AcceptNumericComparison(handle); err != nil {
				c.fail(errs.BlePair, err)
			}
		case PasskeyRepeat:
			c.mu.Lock()
			peer := c.conn.peerAddr
			c.mu.Unlock()
			_ = c.stack.DeleteBond(peer)
			// Caller policy: retry is not automatic here; the HTTP surface
			// may re-issue /ble/connect.
			c.fail(errs.BlePair, errs.ErrInvalidState)
		}

	case EvEncChange:
		if state != StateSecuring {
			return
		}
		if !ev.Success {
			c.fail(errs.BleEncrypt, errs.ErrInvalidState)
			return
		}
		c.mu.Lock()
		c.conn.encrypted = true
		c.state = StateEncrypted
		c.mu.Unlock()
		time.AfterFunc(500*time.Millisecond, func() {
			c.mu.Lock()
			if c.state != StateEncrypted || c.conn == nil {
				c.mu.Unlock()
				return
			}
			handle := c.conn.connHandle
			c.state = StateDiscovering
			c.mu.Unlock()
			if err := c.stack.DiscoverServices(handle); err != nil {
				c.fail(errs.BleDiscover, err)
			}
		})

	case EvServiceFound:
		if state != StateDiscovering {
			return
		}
		if ev.ServiceUUID != UUIDNordicUART && ev.ServiceUUID != UUIDMeshtastic {
			return
		}
		c.mu.Lock()
		if c.conn.serviceUUID != "" {
			c.mu.Unlock()
			return // already picked one
		}
		c.conn.serviceUUID = ev.ServiceUUID
		handle := c.conn.connHandle
		c.mu.Unlock()
		if err := c.stack.DiscoverCharacteristics(handle, ev.ServiceUUID); err != nil {
			c.fail(errs.BleDiscover, err)
		}

	case EvCharFound:
		if state != StateDiscovering {
			return
		}
		c.mu.Lock()
		if ev.Char.Props&(charPropNotify|charPropIndicate) != 0 && c.conn.txValHandle == 0 {
			c.conn.txValHandle = ev.Char.ValueHandle
			c.conn.txIsIndicate = ev.Char.Props&charPropIndicate != 0 && ev.Char.Props&charPropNotify == 0
		}
		if ev.Char.Props&(charPropWrite|charPropWriteNoResp) != 0 && c.conn.rxValHandle == 0 {
			c.conn.rxValHandle = ev.Char.ValueHandle
		}
		c.conn.charsDone = ev.Success
		txHandle := c.conn.txValHandle
		connHandle := c.conn.connHandle
		done := c.conn.charsDone && c.conn.txValHandle != 0 && c.conn.rxValHandle != 0
		c.mu.Unlock()
		if done {
			if err := c.stack.DiscoverDescriptors(connHandle, txHandle); err != nil {
				c.fail(errs.BleDiscover, err)
			}
		}

	case EvDescriptorFound:
		if state != StateDiscovering {
			return
		}
		if ev.DescUUID16 != uuidCCCD16 {
			return
		}
		c.mu.Lock()
		c.conn.txCCCDHandle = ev.DescHandle
		c.conn.dscDone = true
		connHandle := c.conn.connHandle
		cccdHandle := c.conn.txCCCDHandle
		indicate := c.conn.txIsIndicate
		c.mu.Unlock()
		value := []byte{0x01, 0x00}
		if indicate {
			value = []byte{0x02, 0x00}
		}
		if err := c.stack.WriteCCCD(connHandle, cccdHandle, value); err != nil {
			c.fail(errs.BleSubscribe, err)
		}

	case EvCCCDWritten:
		if state != StateDiscovering {
			return
		}
		if !ev.Success {
			c.fail(errs.BleSubscribe, errs.ErrInvalidState)
			return
		}
		c.mu.Lock()
		c.conn.notifyEnabled = true
		ready := c.conn.txValHandle != 0 && c.conn.rxValHandle != 0 && c.conn.notifyEnabled
		if ready {
			c.state = StateReady
		}
		c.mu.Unlock()

	case EvNotifyRx:
		c.mu.Lock()
		handler := c.onNotify
		c.mu.Unlock()
		if handler != nil && len(ev.Data) > 0 {
			handler(ev.Data)
		}

	case EvDisconnected:
		c.mu.Lock()
		c.state = StateIdle
		c.conn = nil
		c.mu.Unlock()

	case EvDeviceFound:
		c.mu.Lock()
		if c.scanning && ev.PeerAddr != "" {
			c.devices[ev.PeerAddr] = Device{Addr: ev.PeerAddr, Name: ev.Name, RSSI: ev.RSSI}
		}
		c.mu.Unlock()
	}
}

// MTU returns the current link MTU, or 0 if no connection is active. Used by
// internal/bridge to size TCP->BLE write chunks.
func (c *Central) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return 0
	}
	return c.conn.mtu
}

// SetPasskey overrides the passkey injected on the next PASSKEY_ACTION=INPUT
// prompt. It does not affect a passkey prompt already in flight.
func (c *Central) SetPasskey(pin uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultPasskey = pin
}

// Send writes bytes to the RX characteristic if a connection is ready,
// failing cleanly when no connection is present.
func (c *Central) Send(data []byte) error {
	c.mu.Lock()
	ready := c.state == StateReady && c.conn != nil
	var connHandle, rxHandle uint16
	if ready {
		connHandle, rxHandle = c.conn.connHandle, c.conn.rxValHandle
	}
	c.mu.Unlock()
	if !ready {
		return &errs.BleError{Kind: errs.BleSend, Err: errs.ErrInvalidState}
	}
	return c.stack.WriteRX(connHandle, rxHandle, data)
}
