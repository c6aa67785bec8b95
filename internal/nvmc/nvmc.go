// Package nvmc drives the nRF52 Non-Volatile Memory Controller: page erase,
// word and buffer programming, mass erase, and the read-back verification
// required at every mode transition. It borrows a session's MEM-AP
// accessor for the duration of each call and retains no state of its own.
package nvmc

import (
	"time"

	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/memap"
	"github.com/soup0r/meshflasher/internal/obslog"
)

// nRF52840 flash region constants.
const (
	FlashBase  uint32 = 0x00000000
	FlashSize  uint32 = 1 << 20
	PageSize   uint32 = 4096
	ErasedByte byte   = 0xFF

	nvmcBase    uint32 = 0x4001E000
	regReady    uint32 = nvmcBase + 0x400
	regConfig   uint32 = nvmcBase + 0x504
	regErasePg  uint32 = nvmcBase + 0x508
	regEraseAll uint32 = nvmcBase + 0x50C

	configREN uint32 = 0
	configWEN uint32 = 1
	configEEN uint32 = 2
)

var log = obslog.New("nvmc")

// Engine is the flash programmer.
type Engine struct {
	mem *memap.Accessor
}

// New wraps a MEM-AP accessor.
func New(mem *memap.Accessor) *Engine {
	return &Engine{mem: mem}
}

func (e *Engine) setConfig(mode uint32) error {
	if err := e.mem.Write32(regConfig, mode); err != nil {
		return err
	}
	got, err := e.mem.Read32(regConfig)
	if err != nil {
		return err
	}
	if got != mode {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: regConfig, Err: errs.ErrInvalidState}
	}
	return nil
}

func (e *Engine) waitReadyStable(budget time.Duration) error {
	deadline := time.Now().Add(budget)
	var prev uint32 = 0xFFFFFFFF
	for {
		v, err := e.mem.Read32(regReady)
		if err != nil {
			return err
		}
		if v&1 == 1 && prev&1 == 1 {
			return nil
		}
		prev = v
		if time.Now().After(deadline) {
			return errs.ErrBusWait
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *Engine) restoreREN() {
	if err := e.setConfig(configREN); err != nil {
		log.WithError(err).Warn("failed to restore CONFIG=REN")
	}
}

// ErasePage erases the 4 KiB page containing addr (addr is masked down to
// page alignment, so ErasePage(addr) behaves identically to
// ErasePage(addr &^ 0xFFF)).
func (e *Engine) ErasePage(addr uint32) error {
	page := addr &^ (PageSize - 1)
	defer e.restoreREN()

	if err := e.waitReadyStable(50 * time.Millisecond); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: page, Err: err}
	}
	if err := e.setConfig(configEEN); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: page, Err: err}
	}
	if err := e.mem.Write32(regErasePg, page); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: page, Err: err}
	}
	time.Sleep(90 * time.Millisecond)
	if err := e.waitReadyStable(400 * time.Millisecond); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: page, Err: err}
	}
	if err := e.setConfig(configREN); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: page, Err: err}
	}

	return e.verifyErased(page)
}

func (e *Engine) verifyErased(page uint32) error {
	offsets := []uint32{0, 4, 8, PageSize - 4}
	for _, off := range offsets {
		v, err := e.mem.Read32(page + off)
		if err != nil {
			return &errs.FlashError{Phase: errs.PhaseVerify, Addr: page + off, Err: err}
		}
		if v != 0xFFFFFFFF {
			time.Sleep(2 * time.Millisecond)
			v2, err := e.mem.Read32(page + off)
			if err != nil || v2 != 0xFFFFFFFF {
				return &errs.FlashError{Phase: errs.PhaseVerify, Addr: page + off, Err: errs.ErrInvalidState}
			}
		}
	}
	return nil
}

// ProgramWord writes one 32-bit word and waits for READY. It does not read
// the word back; only ProgramBuffer verifies what it programs.
func (e *Engine) ProgramWord(addr uint32, val uint32) error {
	defer e.restoreREN()
	if err := e.setConfig(configWEN); err != nil {
		return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
	}
	if err := e.mem.Write32(addr, val); err != nil {
		return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
	}
	if err := e.waitReadyStable(50 * time.Millisecond); err != nil {
		return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
	}
	return nil
}

// MassErase erases the whole flash array via NVMC ERASEALL. It does not
// touch UICR and does not clear APPROTECT; use
// internal/ctrlap for that.
func (e *Engine) MassErase() error {
	defer e.restoreREN()
	if err := e.setConfig(configEEN); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: FlashBase, Err: err}
	}
	if err := e.mem.Write32(regEraseAll, 1); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: FlashBase, Err: err}
	}
	if err := e.waitReadyStable(500 * time.Millisecond); err != nil {
		return &errs.FlashError{Phase: errs.PhaseErase, Addr: FlashBase, Err: err}
	}
	return nil
}

// ProgramBuffer programs src (which must already live in erased flash) at
// base. Unaligned prefix/tail are handled by read-modify-write of the
// straddled word; the aligned body is written word-by-word with coarse
// READY polling every 256 bytes.
func (e *Engine) ProgramBuffer(base uint32, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	defer e.restoreREN()
	if err := e.setConfig(configWEN); err != nil {
		return &errs.FlashError{Phase: errs.PhaseProgram, Addr: base, Err: err}
	}

	addr := base
	data := src

	if off := addr % 4; off != 0 {
		wordAddr := addr - off
		cur, err := e.mem.Read32(wordAddr)
		if err != nil {
			return &errs.FlashError{Phase: errs.PhaseProgram, Addr: wordAddr, Err: err}
		}
		n := 4 - int(off)
		if n > len(data) {
			n = len(data)
		}
		patched := patchWord(cur, int(off), data[:n])
		if err := e.mem.Write32(wordAddr, patched); err != nil {
			return &errs.FlashError{Phase: errs.PhaseProgram, Addr: wordAddr, Err: err}
		}
		addr += uint32(n)
		data = data[n:]
	}

	written := 0
	for len(data) >= 4 {
		word := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
		if err := e.mem.Write32(addr, word); err != nil {
			return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
		}
		addr += 4
		data = data[4:]
		written += 4
		if written%256 == 0 || len(data) < 4 {
			if err := e.waitReadyStable(20 * time.Millisecond); err != nil {
				return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
			}
		}
	}

	if len(data) > 0 {
		cur, err := e.mem.Read32(addr)
		if err != nil {
			return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
		}
		patched := patchWord(cur, 0, data)
		if err := e.mem.Write32(addr, patched); err != nil {
			return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
		}
		if err := e.waitReadyStable(20 * time.Millisecond); err != nil {
			return &errs.FlashError{Phase: errs.PhaseProgram, Addr: addr, Err: err}
		}
	}

	return e.verifyBuffer(base, src)
}

func patchWord(cur uint32, byteOffset int, data []byte) uint32 {
	b := [4]byte{byte(cur), byte(cur >> 8), byte(cur >> 16), byte(cur >> 24)}
	for i, v := range data {
		b[byteOffset+i] = v
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (e *Engine) verifyBuffer(base uint32, src []byte) error {
	var word [4]byte
	var wordAddr uint32
	haveWord := false
	for i := 0; i < len(src); i++ {
		addr := base + uint32(i)
		wa := addr &^ 3
		if !haveWord || wa != wordAddr {
			v, err := e.mem.Read32(wa)
			if err != nil {
				return &errs.FlashError{Phase: errs.PhaseVerify, Addr: wa, Err: err}
			}
			word = [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
			wordAddr = wa
			haveWord = true
		}
		if word[addr-wordAddr] != src[i] {
			return &errs.FlashError{Phase: errs.PhaseVerify, Addr: addr, Err: errs.ErrInvalidState}
		}
	}
	return nil
}
