// Package dap implements the ARM Debug Access Port transaction layer on top
// of internal/swdline: ACK-based retry, sticky-error recovery via DP ABORT,
// AP bank/select management, and the synchronous AP-read wrapper that hides
// the posted-read timing quirk of the wire protocol from callers.
package dap

import (
	"errors"
	"time"

	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/obslog"
	"github.com/soup0r/meshflasher/internal/swdline"
)

// DP register addresses.
const (
	RegIDCODE   uint8 = 0x0
	RegABORT    uint8 = 0x0
	RegCTRLSTAT uint8 = 0x4
	RegSELECT   uint8 = 0x8
	RegRDBUFF   uint8 = 0xC
)

const maxRetries = 10
const abortClearAll uint32 = 0x1E

var log = obslog.New("dap")

// Transactor is the retrying transaction layer. One Transactor serializes
// all access to a single Line; callers must not share a Line between two
// Transactors.
type Transactor struct {
	line swdline.Line

	selectedAP   uint8
	selectedBank uint8
	haveSelected bool
}

// New wraps a Line with DAP transaction policy.
func New(line swdline.Line) *Transactor {
	return &Transactor{line: line}
}

// ReadDP performs a retried DP register read.
func (t *Transactor) ReadDP(addr4 uint8) (uint32, error) {
	return t.transact(swdline.DP, swdline.Read, addr4, 0)
}

// WriteDP performs a retried DP register write.
func (t *Transactor) WriteDP(addr4 uint8, val uint32) error {
	_, err := t.transact(swdline.DP, swdline.Write, addr4, val)
	return err
}

// selectAP ensures the DP SELECT register points at the given AP index and
// register bank before the next AP transaction, writing SELECT only when it
// actually changes.
func (t *Transactor) selectAP(apIndex, bank uint8) error {
	if t.haveSelected && t.selectedAP == apIndex && t.selectedBank == bank {
		return nil
	}
	sel := uint32(apIndex)<<24 | uint32(bank)<<4
	if err := t.WriteDP(RegSELECT, sel); err != nil {
		return err
	}
	t.selectedAP = apIndex
	t.selectedBank = bank
	t.haveSelected = true
	return nil
}

// WriteAP writes an AP register. bank is the AP register bank (APBANKSEL).
func (t *Transactor) WriteAP(apIndex, bank, addr4 uint8, val uint32) error {
	if err := t.selectAP(apIndex, bank); err != nil {
		return err
	}
	_, err := t.transact(swdline.AP, swdline.Write, addr4, val)
	return err
}

// ReadAP performs a synchronous AP register read: internally it issues the
// AP read (which returns stale, posted data) and then reads DP RDBUFF to
// fetch the value the caller actually asked for. Callers never see the
// posted-read quirk.
func (t *Transactor) ReadAP(apIndex, bank, addr4 uint8) (uint32, error) {
	if err := t.selectAP(apIndex, bank); err != nil {
		return 0, err
	}
	if _, err := t.transact(swdline.AP, swdline.Read, addr4, 0); err != nil {
		return 0, err
	}
	return t.ReadDP(RegRDBUFF)
}

// transact runs the retry/sticky-clear policy around one raw transaction.
func (t *Transactor) transact(port swdline.Port, access swdline.Access, addr4 uint8, data uint32) (uint32, error) {
	var parityFails int
	var lastAck swdline.Ack
	for attempt := 0; attempt < maxRetries; attempt++ {
		ack, rdata, err := t.line.RawTransaction(port, access, addr4, data)
		if err != nil {
			if errors.Is(err, swdline.ErrParity) {
				parityFails++
				if parityFails >= 2 {
					return 0, errs.ErrProtocolError
				}
				continue
			}
			return 0, err
		}
		lastAck = ack
		switch ack {
		case swdline.AckOK:
			return rdata, nil
		case swdline.AckWAIT:
			log.Debug("WAIT, retrying")
			time.Sleep(time.Millisecond)
			continue
		case swdline.AckFAULT:
			log.Warn("FAULT, clearing sticky error via ABORT")
			// Direct raw write to ABORT: do not recurse into transact's
			// own retry loop for the recovery write.
			if _, _, err := t.line.RawTransaction(swdline.DP, swdline.Write, RegABORT, abortClearAll); err != nil {
				return 0, err
			}
			continue
		default:
			return 0, errs.ErrProtocolError
		}
	}
	if lastAck == swdline.AckWAIT {
		return 0, errs.ErrBusWait
	}
	return 0, errs.ErrBusFault
}
