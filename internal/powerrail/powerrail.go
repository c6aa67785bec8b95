// Package powerrail drives the MOSFET power rail feeding the target. Boards
// disagree on which level switches the rail on, so the polarity is a
// configuration bit rather than a wired-in convention.
package powerrail

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/soup0r/meshflasher/internal/obslog"
)

var log = obslog.New("powerrail")

const rebootHold = 500 * time.Millisecond

// Rail switches the target's supply through one GPIO.
type Rail struct {
	pin        gpio.PinIO
	activeHigh bool
}

// New wraps the rail control pin. activeHigh selects the level that turns
// the rail on; verify it against the board schematic before trusting it.
func New(pin gpio.PinIO, activeHigh bool) *Rail {
	return &Rail{pin: pin, activeHigh: activeHigh}
}

func (r *Rail) level(on bool) gpio.Level {
	if on == r.activeHigh {
		return gpio.High
	}
	return gpio.Low
}

// On energizes the rail.
func (r *Rail) On() error {
	log.Debug("power on")
	return r.pin.Out(r.level(true))
}

// Off de-energizes the rail.
func (r *Rail) Off() error {
	log.Debug("power off")
	return r.pin.Out(r.level(false))
}

// Reboot drops the rail long enough for the target's supply to collapse,
// then restores it.
func (r *Rail) Reboot() error {
	if err := r.Off(); err != nil {
		return err
	}
	time.Sleep(rebootHold)
	return r.On()
}
