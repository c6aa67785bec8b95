// Package swdline bit-bangs the two-wire Serial Wire Debug line protocol on
// a pair of GPIO pins. It is the foundation of the whole stack: the DAP
// transaction layer, and everything built on top of it, depends only on the
// Line interface defined here.
//
// The GPIO pin boundary is the real periph.io/x/conn/v3/gpio.PinIO
// interface rather than a hand-rolled one, the same interface the host
// drivers in the pack this stack grew out of (periph.io/x/host/v3,
// seedhammer.com) already speak.
package swdline

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Port selects whether a transaction targets the Debug Port or the
// currently selected Access Port.
type Port uint8

const (
	DP Port = iota
	AP
)

// Access selects the direction of a raw transaction.
type Access uint8

const (
	Read Access = iota
	Write
)

// Ack is the 3-bit acknowledge field of an SWD transaction response.
type Ack uint8

const (
	AckOK       Ack = 0b001
	AckWAIT     Ack = 0b010
	AckFAULT    Ack = 0b100
	AckProtocol Ack = 0xFF // not a wire value; reported when the ack bits don't decode
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWAIT:
		return "WAIT"
	case AckFAULT:
		return "FAULT"
	default:
		return "PROTOCOL_ERR"
	}
}

var ErrParity = errors.New("swdline: parity mismatch on read data")

// Line is the raw SWD transaction boundary. The DAP layer (internal/dap)
// drives retries and AP posted-read chaining on top of this; Line itself
// performs exactly one raw transaction per RawTransaction call and the three
// line-level sequences used to get there.
type Line interface {
	// LineReset drives SWDIO high for >=50 clocks followed by one low clock.
	LineReset() error
	// JTAGToSWD issues the 0xE79E bit sequence followed by a line reset.
	JTAGToSWD() error
	// DormantWakeup issues the dormant-state selection alert and SWD
	// activation code, followed by a line reset.
	DormantWakeup() error
	// RawTransaction performs one 8-bit request + ack + data phase.
	// data is ignored for reads and the write value for writes. rdata is
	// only meaningful when access == Read and ack == AckOK.
	RawTransaction(port Port, access Access, addr4 uint8, data uint32) (ack Ack, rdata uint32, err error)
}

// Pins is the immutable pin assignment for a Driver, fixed after
// construction.
type Pins struct {
	SWCLK  gpio.PinIO
	SWDIO  gpio.PinIO
	NReset gpio.PinIO // optional; nil if the board doesn't wire it
}

// Driver is the GPIO-backed Line implementation.
type Driver struct {
	mu    sync.Mutex
	pins  Pins
	delay time.Duration // inter-edge delay; tune to stay under the target's max SWD frequency
	// driving tracks whether the host currently owns SWDIO, so a
	// turnaround is inserted exactly once per direction change.
	driving bool
}

// New constructs a Driver. delay is the inter-edge delay; ~0 on a fast host
// risks overrunning the target's max SWD clock, so callers should measure
// the achievable bit rate and leave margin.
func New(pins Pins, delay time.Duration) *Driver {
	d := &Driver{pins: pins, delay: delay, driving: true}
	_ = d.pins.SWCLK.Out(gpio.Low)
	_ = d.pins.SWDIO.Out(gpio.High)
	return d
}

// ResetTarget pulses the optional nRESET pin low for the given duration.
// Not part of the Line interface: it is a target power/reset concern the
// session manager invokes directly when wired.
func (d *Driver) ResetTarget(low time.Duration) error {
	if d.pins.NReset == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.pins.NReset.Out(gpio.Low); err != nil {
		return err
	}
	time.Sleep(low)
	return d.pins.NReset.Out(gpio.High)
}

func (d *Driver) clockPulse() {
	_ = d.pins.SWCLK.Out(gpio.Low)
	time.Sleep(d.delay)
	_ = d.pins.SWCLK.Out(gpio.High)
	time.Sleep(d.delay)
}

// drive re-acquires SWDIO, clocking the one turnaround cycle the protocol
// requires whenever line ownership actually changes.
func (d *Driver) drive() {
	if !d.driving {
		d.clockPulse()
		_ = d.pins.SWDIO.Out(gpio.High)
		d.driving = true
	}
}

func (d *Driver) release() {
	if d.driving {
		_ = d.pins.SWDIO.In(gpio.PullNoChange, gpio.NoEdge)
		d.driving = false
		d.clockPulse()
	}
}

func (d *Driver) writeBit(bit uint8) {
	d.drive()
	if bit != 0 {
		_ = d.pins.SWDIO.Out(gpio.High)
	} else {
		_ = d.pins.SWDIO.Out(gpio.Low)
	}
	d.clockPulse()
}

func (d *Driver) writeBits(value uint32, n int) {
	for i := 0; i < n; i++ {
		d.writeBit(uint8((value >> uint(i)) & 1))
	}
}

func (d *Driver) readBit() uint8 {
	d.release()
	_ = d.pins.SWCLK.Out(gpio.Low)
	time.Sleep(d.delay)
	lvl := d.pins.SWDIO.Read()
	_ = d.pins.SWCLK.Out(gpio.High)
	time.Sleep(d.delay)
	if lvl == gpio.High {
		return 1
	}
	return 0
}

func (d *Driver) readBits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		v |= uint32(d.readBit()) << uint(i)
	}
	return v
}

func parity4(bits uint8) uint8 {
	p := uint8(0)
	for i := 0; i < 4; i++ {
		p ^= (bits >> uint(i)) & 1
	}
	return p
}

func parity32(v uint32) uint8 {
	p := uint8(0)
	x := v
	for x != 0 {
		p ^= uint8(x & 1)
		x >>= 1
	}
	return p
}

// LineReset implements Line.
func (d *Driver) LineReset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lineReset()
}

func (d *Driver) lineReset() error {
	d.drive()
	for i := 0; i < 52; i++ {
		_ = d.pins.SWDIO.Out(gpio.High)
		d.clockPulse()
	}
	_ = d.pins.SWDIO.Out(gpio.Low)
	d.clockPulse()
	return nil
}

// JTAGToSWD implements Line.
func (d *Driver) JTAGToSWD() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeBits(0xE79E, 16)
	return d.lineReset()
}

// DormantWakeup implements Line.
func (d *Driver) DormantWakeup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < 8; i++ {
		d.writeBit(1)
	}
	alert := [4]uint32{0x49CF9046, 0xA9B4A161, 0x97F5BBC7, 0x45703D98}
	for _, word := range alert {
		// MSB-first per word as written.
		for bit := 31; bit >= 0; bit-- {
			d.writeBit(uint8((word >> uint(bit)) & 1))
		}
	}
	for i := 0; i < 4; i++ {
		d.writeBit(0)
	}
	for bit := 7; bit >= 0; bit-- {
		d.writeBit(uint8((0x58 >> uint(bit)) & 1))
	}
	return d.lineReset()
}

// RawTransaction implements Line.
func (d *Driver) RawTransaction(port Port, access Access, addr4 uint8, data uint32) (Ack, uint32, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr4 != 0x0 && addr4 != 0x4 && addr4 != 0x8 && addr4 != 0xC {
		return AckProtocol, 0, fmt.Errorf("swdline: bad addr4 0x%x", addr4)
	}

	a2 := (addr4 >> 2) & 1
	a3 := (addr4 >> 3) & 1
	apndp := uint8(0)
	if port == AP {
		apndp = 1
	}
	rnw := uint8(0)
	if access == Read {
		rnw = 1
	}
	reqBits := apndp | (rnw << 1) | (a2 << 2) | (a3 << 3)
	p := parity4(reqBits)

	d.drive()
	d.writeBit(1) // start
	d.writeBit(apndp)
	d.writeBit(rnw)
	d.writeBit(a2)
	d.writeBit(a3)
	d.writeBit(p)
	d.writeBit(0) // stop
	d.writeBit(1) // park

	// turnaround, then sample 3 ack bits
	d.release()
	ackBits := d.readBits(3)
	ack := Ack(ackBits)

	switch ack {
	case AckOK:
		if access == Read {
			rdata := d.readBits(32)
			rparity := d.readBit()
			d.drive()
			d.writeBit(0) // park
			if parity32(rdata) != rparity {
				return ack, 0, ErrParity
			}
			return ack, rdata, nil
		}
		d.drive()
		d.writeBits(data, 32)
		d.writeBit(parity32(data))
		d.writeBit(0) // park
		return ack, 0, nil
	case AckWAIT, AckFAULT:
		d.drive()
		d.writeBits(0, 32)
		d.writeBit(0)
		return ack, 0, nil
	default:
		d.drive()
		d.writeBits(0, 32)
		d.writeBit(0)
		return AckProtocol, 0, nil
	}
}
