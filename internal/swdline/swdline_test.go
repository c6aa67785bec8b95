package swdline

import (
	"testing"

	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// clockSpy samples the SWDIO level on every rising SWCLK edge, capturing the
// exact bit stream a target would see.
type clockSpy struct {
	*gpiotest.Pin
	data *gpiotest.Pin
	bits []uint8
}

func (c *clockSpy) Out(l gpio.Level) error {
	rising := l == gpio.High && c.Pin.Read() == gpio.Low
	if err := c.Pin.Out(l); err != nil {
		return err
	}
	if rising {
		b := uint8(0)
		if c.data.Read() == gpio.High {
			b = 1
		}
		c.bits = append(c.bits, b)
	}
	return nil
}

func newSpyDriver() (*Driver, *clockSpy) {
	data := &gpiotest.Pin{N: "SWDIO"}
	clk := &clockSpy{Pin: &gpiotest.Pin{N: "SWCLK"}, data: data}
	d := New(Pins{SWCLK: clk, SWDIO: data}, 0)
	clk.bits = nil
	return d, clk
}

func TestRequestEncodingDPReadIDCODE(t *testing.T) {
	d, spy := newSpyDriver()

	ack, _, err := d.RawTransaction(DP, Read, 0x0, 0)
	require.NoError(t, err)
	// The spy pin floats high after the park bit, so the sampled ack bits
	// don't decode; only the host-driven phases are meaningful here.
	require.Equal(t, AckProtocol, ack)

	// start=1, APnDP=0, RnW=1, A[2:3]=00, parity=1, stop=0, park=1.
	require.Equal(t, []uint8{1, 0, 1, 0, 0, 1, 0, 1}, spy.bits[:8])

	// request + turnaround + 3 ack + turnaround + 32 dummy zeros + park.
	require.Len(t, spy.bits, 46)
	for i, b := range spy.bits[13:] {
		require.Zerof(t, b, "dummy bit %d driven high", i)
	}
}

func TestRequestEncodingAPWriteTAR(t *testing.T) {
	d, spy := newSpyDriver()

	_, _, err := d.RawTransaction(AP, Write, 0x4, 0xDEADBEEF)
	require.NoError(t, err)

	// start=1, APnDP=1, RnW=0, A[2:3]=10, parity=0, stop=0, park=1.
	require.Equal(t, []uint8{1, 1, 0, 1, 0, 0, 0, 1}, spy.bits[:8])
}

func TestLineResetHoldsHighThenOneLowCycle(t *testing.T) {
	d, spy := newSpyDriver()

	require.NoError(t, d.LineReset())
	require.GreaterOrEqual(t, len(spy.bits), 51)
	for i, b := range spy.bits[:len(spy.bits)-1] {
		require.Equalf(t, uint8(1), b, "reset bit %d not high", i)
	}
	require.Equal(t, uint8(0), spy.bits[len(spy.bits)-1])
}

func TestJTAGToSWDSequence(t *testing.T) {
	d, spy := newSpyDriver()

	require.NoError(t, d.JTAGToSWD())

	// 0xE79E LSB first.
	require.Equal(t, []uint8{0, 1, 1, 1, 1, 0, 0, 1, 1, 1, 1, 0, 0, 1, 1, 1}, spy.bits[:16])

	reset := spy.bits[16:]
	require.GreaterOrEqual(t, len(reset), 51)
	for _, b := range reset[:len(reset)-1] {
		require.Equal(t, uint8(1), b)
	}
	require.Equal(t, uint8(0), reset[len(reset)-1])
}

func TestDormantWakeupSequence(t *testing.T) {
	d, spy := newSpyDriver()

	require.NoError(t, d.DormantWakeup())

	// 8 high cycles, 128 alert bits, 4 low cycles, 8 activation bits, then
	// the trailing line reset.
	require.GreaterOrEqual(t, len(spy.bits), 148)
	for i := 0; i < 8; i++ {
		require.Equal(t, uint8(1), spy.bits[i])
	}

	// First alert word 0x49CF9046, MSB first.
	wantAlert := []uint8{
		0, 1, 0, 0, 1, 0, 0, 1,
		1, 1, 0, 0, 1, 1, 1, 1,
		1, 0, 0, 1, 0, 0, 0, 0,
		0, 1, 0, 0, 0, 1, 1, 0,
	}
	require.Equal(t, wantAlert, spy.bits[8:40])

	require.Equal(t, []uint8{0, 0, 0, 0}, spy.bits[136:140])
	// SWD activation code 0x58, MSB first.
	require.Equal(t, []uint8{0, 1, 0, 1, 1, 0, 0, 0}, spy.bits[140:148])
}
