// Package session manages the lifecycle of a debug connection to the
// target: wake/connect negotiation, debug domain power-up, MEM-AP selection,
// and disconnect.
package session

import (
	"time"

	"github.com/soup0r/meshflasher/internal/dap"
	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/obslog"
	"github.com/soup0r/meshflasher/internal/swdline"
)

var log = obslog.New("session")

const (
	powerUpReq       uint32 = 0x50000000 // CDBGPWRUPREQ | CSYSPWRUPREQ
	powerUpAckMask   uint32 = 0xA0000000
	powerUpTimeout          = 100 * time.Millisecond
	memAPIndex       uint8  = 0
	memAPBank        uint8  = 0
	csw32BitAutoIncr uint32 = 0x23000052
	regCSW           uint8  = 0x0
)

// Descriptor is the target descriptor captured on a successful Connect.
type Descriptor struct {
	IDCODE            uint32
	DebugPowerAckBits uint32
	SelectedAPIndex   uint8
	CSWCached         uint32
}

// Session owns a Transactor for the lifetime of a debug connection. Only one
// Session should drive a given Line at a time.
type Session struct {
	line        swdline.Line
	tr          *dap.Transactor
	initialized bool
	connected   bool
	target      Descriptor
}

// New wraps a Line. The Transactor is constructed lazily per Connect call so
// reconnecting after a CTRL-AP unlock starts from a clean retry state.
func New(line swdline.Line) *Session {
	return &Session{line: line, initialized: true}
}

// IsConnected re-issues an IDCODE read and treats 0/0xFFFFFFFF as
// disconnected.
func (s *Session) IsConnected() bool {
	if !s.connected {
		return false
	}
	idcode, err := s.tr.ReadDP(dap.RegIDCODE)
	if err != nil || idcode == 0 || idcode == 0xFFFFFFFF {
		s.connected = false
		return false
	}
	return true
}

// Connect performs the dormant-wakeup-first, line-reset-fallback algorithm
// and leaves the MEM-AP selected with an auto-incrementing 32-bit CSW.
func (s *Session) Connect() (Descriptor, error) {
	s.tr = dap.New(s.line)

	idcode, err := s.tryDormantWakeup()
	if err != nil || idcode == 0 || idcode == 0xFFFFFFFF {
		log.Debug("dormant wakeup did not yield a usable idcode, falling back to line reset + JTAG-to-SWD")
		idcode, err = s.tryLineResetJTAGToSWD()
		if err != nil {
			return Descriptor{}, err
		}
	}
	if idcode == 0 || idcode == 0xFFFFFFFF {
		return Descriptor{}, errs.ErrLinkLost
	}

	if err := s.tr.WriteDP(dap.RegABORT, 0x1E); err != nil {
		return Descriptor{}, err
	}

	if err := s.tr.WriteDP(dap.RegCTRLSTAT, powerUpReq); err != nil {
		return Descriptor{}, err
	}
	ackBits, err := s.pollPowerUp()
	if err != nil {
		return Descriptor{}, err
	}

	if err := s.tr.WriteAP(memAPIndex, memAPBank, regCSW, csw32BitAutoIncr); err != nil {
		return Descriptor{}, err
	}

	s.target = Descriptor{
		IDCODE:            idcode,
		DebugPowerAckBits: ackBits,
		SelectedAPIndex:   memAPIndex,
		CSWCached:         csw32BitAutoIncr,
	}
	s.connected = true
	return s.target, nil
}

func (s *Session) tryDormantWakeup() (uint32, error) {
	if err := s.line.DormantWakeup(); err != nil {
		return 0, err
	}
	return s.tr.ReadDP(dap.RegIDCODE)
}

func (s *Session) tryLineResetJTAGToSWD() (uint32, error) {
	if err := s.line.LineReset(); err != nil {
		return 0, err
	}
	if err := s.line.JTAGToSWD(); err != nil {
		return 0, err
	}
	return s.tr.ReadDP(dap.RegIDCODE)
}

func (s *Session) pollPowerUp() (uint32, error) {
	deadline := time.Now().Add(powerUpTimeout)
	for {
		v, err := s.tr.ReadDP(dap.RegCTRLSTAT)
		if err != nil {
			return 0, err
		}
		if v&powerUpAckMask == powerUpAckMask {
			return v & powerUpAckMask, nil
		}
		if time.Now().After(deadline) {
			return 0, errs.ErrPowerUpTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// Disconnect issues a line reset so the target can't mistake subsequent
// line noise for a protocol frame, and clears connected state.
func (s *Session) Disconnect() error {
	if !s.initialized {
		return nil
	}
	err := s.line.LineReset()
	s.connected = false
	return err
}

// Transactor exposes the underlying DAP transactor for memap/nvmc/ctrlap,
// which borrow the session for the duration of one operation without
// retaining state themselves.
func (s *Session) Transactor() *dap.Transactor { return s.tr }

// Target returns the cached target descriptor from the last successful
// Connect.
func (s *Session) Target() Descriptor { return s.target }

// Reconnect is a convenience used by CTRL-AP unlock, which requires a fresh
// IDCODE read and power-up handshake after releasing reset.
func (s *Session) Reconnect() (Descriptor, error) {
	if err := s.Disconnect(); err != nil {
		return Descriptor{}, err
	}
	return s.Connect()
}
