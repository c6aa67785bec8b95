// Package boardcfg loads the static per-board configuration (pin
// assignments, server addresses, default upload base addresses) from an ini
// file.
package boardcfg

import (
	"fmt"
	"strconv"

	"gopkg.in/ini.v1"
)

// Profile is the immutable configuration for one flasher instance. It is
// distinct from the persistent key-value store (bond material, Wi-Fi
// credentials, last-error string) which lives outside this module.
type Profile struct {
	SWCLKPin  int
	SWDIOPin  int
	NResetPin int // 0 means "not wired"
	DelayNS   int // inter-edge delay, tunable to stay under the target's max SWD frequency

	HTTPAddr      string
	TCPAddr       string
	TCPMaxClients int

	BLEDefaultPasskey uint32

	// Per upload "type=" query parameter, the base address to assume when
	// the HEX stream carries no extended linear address record.
	UploadBaseOverrides map[string]uint32

	PowerPin            int // 0 means "not wired"
	PowerRailActiveHigh bool
}

// Default returns the profile used when no board.ini is supplied, tuned for
// an nRF52840 dev kit wired on a typical SWD breakout's default pins.
func Default() *Profile {
	return &Profile{
		SWCLKPin:            4,
		SWDIOPin:            3,
		NResetPin:           5,
		DelayNS:             250,
		HTTPAddr:            ":80",
		TCPAddr:             ":4403",
		TCPMaxClients:       4,
		BLEDefaultPasskey:   123456,
		UploadBaseOverrides: map[string]uint32{
			"app":        0x26000,
			"softdevice": 0x1000,
			"bootloader": 0xF4000,
			"full":       0x0,
		},
		PowerRailActiveHigh: true,
	}
}

// Load parses a board.ini file of the form:
//
//	[pins]
//	swclk = 4
//	swdio = 3
//	nreset = 5
//	delay_ns = 250
//
//	[server]
//	http_addr = :80
//	tcp_addr = :4403
//	tcp_max_clients = 4
//
//	[ble]
//	default_passkey = 123456
//
//	[upload]
//	app = 0x26000
//	softdevice = 0x1000
//	bootloader = 0xf4000
//	full = 0x0
//
// Any section or key that is absent falls back to the Default() value.
func Load(path string) (*Profile, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("boardcfg: load %s: %w", path, err)
	}
	p := Default()

	if sec, err := cfg.GetSection("pins"); err == nil {
		p.SWCLKPin = sec.Key("swclk").MustInt(p.SWCLKPin)
		p.SWDIOPin = sec.Key("swdio").MustInt(p.SWDIOPin)
		p.NResetPin = sec.Key("nreset").MustInt(p.NResetPin)
		p.DelayNS = sec.Key("delay_ns").MustInt(p.DelayNS)
	}
	if sec, err := cfg.GetSection("server"); err == nil {
		p.HTTPAddr = sec.Key("http_addr").MustString(p.HTTPAddr)
		p.TCPAddr = sec.Key("tcp_addr").MustString(p.TCPAddr)
		p.TCPMaxClients = sec.Key("tcp_max_clients").MustInt(p.TCPMaxClients)
	}
	if sec, err := cfg.GetSection("ble"); err == nil {
		p.BLEDefaultPasskey = uint32(sec.Key("default_passkey").MustInt(int(p.BLEDefaultPasskey)))
	}
	if sec, err := cfg.GetSection("power"); err == nil {
		p.PowerPin = sec.Key("pin").MustInt(p.PowerPin)
		p.PowerRailActiveHigh = sec.Key("active_high").MustBool(p.PowerRailActiveHigh)
	}
	if sec, err := cfg.GetSection("upload"); err == nil {
		overrides := make(map[string]uint32, len(p.UploadBaseOverrides))
		for k, v := range p.UploadBaseOverrides {
			overrides[k] = v
		}
		for _, key := range sec.Keys() {
			// Base addresses are conventionally written in hex; ParseUint
			// with base 0 accepts both 0x-prefixed and decimal forms.
			addr, err := strconv.ParseUint(key.String(), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("boardcfg: upload base %s=%q: %w", key.Name(), key.String(), err)
			}
			overrides[key.Name()] = uint32(addr)
		}
		p.UploadBaseOverrides = overrides
	}
	return p, nil
}
