package blecentral

import (
	"fmt"
	"sync"
)

// VirtualStack is an in-memory Stack double that plays back a scripted GATT
// layout, mirroring the swdline.VirtualTarget loopback approach: drive the
// state machine end to end without a real BLE radio.
type VirtualStack struct {
	mu sync.Mutex

	central *Central

	NextConnHandle uint16
	ServiceUUID    string
	MTU            int
	RequirePasskey bool
	RequireNumCmp  bool
	Advertisers    []Device // played back on StartScan

	connected     bool
	connHandle    uint16
	txValHandle   uint16
	rxValHandle   uint16
	cccdHandle    uint16
	disconnectErr error

	Sent [][]byte
}

// NewVirtualStack returns a VirtualStack scripted to expose the Nordic UART
// service with one notify TX characteristic and one write RX characteristic.
func NewVirtualStack() *VirtualStack {
	return &VirtualStack{
		NextConnHandle: 1,
		ServiceUUID:    UUIDNordicUART,
		MTU:            185,
		txValHandle:    10,
		rxValHandle:    12,
		cccdHandle:     11,
	}
}

// Bind attaches the Central whose Deliver method receives this stack's
// simulated events; must be called before Connect.
func (v *VirtualStack) Bind(c *Central) {
	v.central = c
}

func (v *VirtualStack) StartScan() error {
	advs := make([]Device, len(v.Advertisers))
	copy(advs, v.Advertisers)
	go func() {
		for _, adv := range advs {
			v.central.Deliver(Event{Kind: EvDeviceFound, PeerAddr: adv.Addr, Name: adv.Name, RSSI: adv.RSSI})
		}
	}()
	return nil
}

func (v *VirtualStack) CancelScan() {}

func (v *VirtualStack) Connect(addr string) error {
	v.mu.Lock()
	handle := v.NextConnHandle
	v.connHandle = handle
	v.connected = true
	v.mu.Unlock()
	go v.central.Deliver(Event{Kind: EvConnected, ConnHandle: handle, PeerAddr: addr, Success: true})
	return nil
}

func (v *VirtualStack) ExchangeMTU(connHandle uint16) error {
	go v.central.Deliver(Event{Kind: EvMTU, ConnHandle: connHandle, MTU: v.MTU})
	return nil
}

func (v *VirtualStack) SecurityInitiate(connHandle uint16) error {
	if v.RequireNumCmp {
		go v.central.Deliver(Event{Kind: EvPasskeyAction, ConnHandle: connHandle, Action: PasskeyNumCmp})
		return nil
	}
	if v.RequirePasskey {
		go v.central.Deliver(Event{Kind: EvPasskeyAction, ConnHandle: connHandle, Action: PasskeyInput})
		return nil
	}
	go v.central.Deliver(Event{Kind: EvEncChange, ConnHandle: connHandle, Success: true})
	return nil
}

func (v *VirtualStack) InjectPasskey(connHandle uint16, passkey uint32) error {
	go v.central.Deliver(Event{Kind: EvEncChange, ConnHandle: connHandle, Success: true})
	return nil
}

func (v *VirtualStack) AcceptNumericComparison(connHandle uint16) error {
	go v.central.Deliver(Event{Kind: EvEncChange, ConnHandle: connHandle, Success: true})
	return nil
}

func (v *VirtualStack) DiscoverServices(connHandle uint16) error {
	go func() {
		v.central.Deliver(Event{Kind: EvServiceFound, ConnHandle: connHandle, ServiceUUID: v.ServiceUUID, Success: true})
	}()
	return nil
}

func (v *VirtualStack) DiscoverCharacteristics(connHandle uint16, serviceUUID string) error {
	go func() {
		v.central.Deliver(Event{Kind: EvCharFound, ConnHandle: connHandle, Success: false,
			Char: Characteristic{ValueHandle: v.txValHandle, Props: charPropNotify}})
		v.central.Deliver(Event{Kind: EvCharFound, ConnHandle: connHandle, Success: true,
			Char: Characteristic{ValueHandle: v.rxValHandle, Props: charPropWriteNoResp}})
	}()
	return nil
}

func (v *VirtualStack) DiscoverDescriptors(connHandle uint16, charValueHandle uint16) error {
	go func() {
		v.central.Deliver(Event{Kind: EvDescriptorFound, ConnHandle: connHandle,
			DescUUID16: uuidCCCD16, DescHandle: v.cccdHandle})
	}()
	return nil
}

func (v *VirtualStack) WriteCCCD(connHandle uint16, cccdHandle uint16, value []byte) error {
	go v.central.Deliver(Event{Kind: EvCCCDWritten, ConnHandle: connHandle, Success: true})
	return nil
}

func (v *VirtualStack) Disconnect(connHandle uint16) error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	go v.central.Deliver(Event{Kind: EvDisconnected, ConnHandle: connHandle})
	return v.disconnectErr
}

func (v *VirtualStack) DeleteBond(peerAddr string) error { return nil }

// WriteRX is the Stack write that Central.Send calls: it records writes
// instead of touching real hardware.
func (v *VirtualStack) WriteRX(connHandle, valHandle uint16, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return fmt.Errorf("not connected")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	v.Sent = append(v.Sent, cp)
	return nil
}

// Notify simulates an inbound notification on the TX characteristic.
func (v *VirtualStack) Notify(data []byte) {
	v.central.Deliver(Event{Kind: EvNotifyRx, Data: data})
}
