// Package ctrlap implements the Nordic CTRL-AP mass-erase unlock used when
// APPROTECT blocks MEM-AP access to flash/UICR: AP scan, ERASEALL assertion,
// ERASEALLSTATUS polling with a long budget, reset release, and a fresh
// reconnect with explicit multi-address verification.
package ctrlap

import (
	"time"

	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/memap"
	"github.com/soup0r/meshflasher/internal/obslog"
	"github.com/soup0r/meshflasher/internal/session"
)

const (
	regReset           uint8 = 0x000
	regEraseAll        uint8 = 0x004
	regEraseAllStatus  uint8 = 0x008
	regApprotectStatus uint8 = 0x00C

	idrMask     uint32 = 0x0FFF0000
	idrPattern1 uint32 = 0x02880000
	idrPattern2 uint32 = 0x12880000

	fallbackAPIndex uint8 = 1

	uicrApprotect uint32 = 0x10001208
	bank0         uint8  = 0
	idrBank       uint8  = 0xF
	idrAddr4      uint8  = 0xC
)

var log = obslog.New("ctrlap")

// Unlocker drives the CTRL-AP unlock sequence against a session.
type Unlocker struct {
	sess       *session.Session
	scanLimit  uint8
	foundIndex uint8
	found      bool
}

// New returns an Unlocker. scanLimit bounds the AP index scan (0 for an
// unconstrained 0..255 scan, or a smaller bound to stop early).
func New(sess *session.Session, scanLimit uint8) *Unlocker {
	if scanLimit == 0 {
		scanLimit = 255
	}
	return &Unlocker{sess: sess, scanLimit: scanLimit}
}

func (u *Unlocker) scan() uint8 {
	tr := u.sess.Transactor()
	for idx := uint8(0); ; idx++ {
		idr, err := tr.ReadAP(idx, idrBank, idrAddr4)
		if err == nil && (idr&idrMask == idrPattern1 || idr&idrMask == idrPattern2) {
			return idx
		}
		if idx == u.scanLimit {
			break
		}
	}
	log.Warn("no CTRL-AP match found by IDR scan, falling back to index 1")
	return fallbackAPIndex
}

// Unlock runs the full sequence and returns once the target's flash reads
// all-0xFF and UICR.APPROTECT reads erased (0xFFFFFFFF).
func (u *Unlocker) Unlock() error {
	u.foundIndex = u.scan()
	u.found = true
	tr := u.sess.Transactor()

	// Informational only; proceeds regardless of the result.
	if status, err := tr.ReadAP(u.foundIndex, bank0, regApprotectStatus); err == nil {
		log.WithField("approtectstatus", status).Debug("read approtectstatus before unlock")
	}

	if err := tr.WriteAP(u.foundIndex, bank0, regReset, 1); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	if err := tr.WriteAP(u.foundIndex, bank0, regEraseAll, 1); err != nil {
		return err
	}

	if err := u.pollEraseAllStatus(); err != nil {
		return err
	}

	if err := tr.WriteAP(u.foundIndex, bank0, regReset, 0); err != nil {
		return err
	}

	if _, err := u.sess.Reconnect(); err != nil {
		return err
	}

	return u.verify()
}

func (u *Unlocker) pollEraseAllStatus() error {
	const budget = 120 * time.Second
	deadline := time.Now().Add(budget)
	tr := u.sess.Transactor()
	lastLogged := time.Now()
	for {
		status, err := tr.ReadAP(u.foundIndex, bank0, regEraseAllStatus)
		if err != nil {
			return err
		}
		if status == 0 {
			return nil
		}
		if time.Since(lastLogged) > 5*time.Second {
			log.WithField("eraseallstatus", status).Debug("still unlocking")
			lastLogged = time.Now()
		}
		if time.Now().After(deadline) {
			return errs.ErrUnlockTimeout
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (u *Unlocker) verify() error {
	tr := u.sess.Transactor()
	target := u.sess.Target()
	mem := memap.New(tr, target.SelectedAPIndex)

	sampleAddrs := []uint32{0x0, 0x1000, 0xFF000, 0xFFFFC}
	for _, addr := range sampleAddrs {
		v, err := mem.Read32(addr)
		if err != nil {
			return err
		}
		if v != 0xFFFFFFFF {
			return &errs.FlashError{Phase: errs.PhaseVerify, Addr: addr, Err: errs.ErrInvalidState}
		}
	}

	approtect, err := mem.Read32(uicrApprotect)
	if err != nil {
		return err
	}
	if approtect != 0xFFFFFFFF {
		return &errs.FlashError{Phase: errs.PhaseVerify, Addr: uicrApprotect, Err: errs.ErrInvalidState}
	}
	return nil
}
