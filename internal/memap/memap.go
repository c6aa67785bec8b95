// Package memap implements 32-bit MEM-AP memory access (TAR/DRW), including
// the batched-access optimization allowed by auto-increment CSW, bounded by
// the 1 KiB TAR wraparound the architecture requires re-writing TAR at.
package memap

import (
	"fmt"

	"github.com/soup0r/meshflasher/internal/dap"
	"github.com/soup0r/meshflasher/internal/errs"
)

const (
	regTAR uint8 = 0x4
	regDRW uint8 = 0xC

	tarWrapBoundary = 1024
)

// Accessor reads and writes target memory through a selected MEM-AP.
type Accessor struct {
	tr      *dap.Transactor
	apIndex uint8
	apBank  uint8
}

// New wraps a Transactor with the MEM-AP index it should address (index 0
// is selected during session Connect).
func New(tr *dap.Transactor, apIndex uint8) *Accessor {
	return &Accessor{tr: tr, apIndex: apIndex}
}

// Read32 reads one 32-bit word at addr.
func (a *Accessor) Read32(addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, errAlign(addr)
	}
	if err := a.tr.WriteAP(a.apIndex, a.apBank, regTAR, addr); err != nil {
		return 0, err
	}
	return a.tr.ReadAP(a.apIndex, a.apBank, regDRW)
}

// Write32 writes one 32-bit word at addr.
func (a *Accessor) Write32(addr uint32, val uint32) error {
	if addr%4 != 0 {
		return errAlign(addr)
	}
	if err := a.tr.WriteAP(a.apIndex, a.apBank, regTAR, addr); err != nil {
		return err
	}
	return a.tr.WriteAP(a.apIndex, a.apBank, regDRW, val)
}

// ReadBlock32 reads n contiguous words starting at addr, writing TAR once
// per 1 KiB boundary crossed and issuing successive DRW reads for the rest,
// relying on CSW auto-increment.
func (a *Accessor) ReadBlock32(addr uint32, n int) ([]uint32, error) {
	out := make([]uint32, n)
	if n == 0 {
		return out, nil
	}
	if err := a.tr.WriteAP(a.apIndex, a.apBank, regTAR, addr); err != nil {
		return nil, err
	}
	cur := addr
	for i := 0; i < n; i++ {
		if i > 0 && cur%tarWrapBoundary == 0 {
			if err := a.tr.WriteAP(a.apIndex, a.apBank, regTAR, cur); err != nil {
				return nil, err
			}
		}
		v, err := a.tr.ReadAP(a.apIndex, a.apBank, regDRW)
		if err != nil {
			return nil, err
		}
		out[i] = v
		cur += 4
	}
	return out, nil
}

// WriteBlock32 is the write-side analogue of ReadBlock32.
func (a *Accessor) WriteBlock32(addr uint32, words []uint32) error {
	if len(words) == 0 {
		return nil
	}
	if err := a.tr.WriteAP(a.apIndex, a.apBank, regTAR, addr); err != nil {
		return err
	}
	cur := addr
	for i, w := range words {
		if i > 0 && cur%tarWrapBoundary == 0 {
			if err := a.tr.WriteAP(a.apIndex, a.apBank, regTAR, cur); err != nil {
				return err
			}
		}
		if err := a.tr.WriteAP(a.apIndex, a.apBank, regDRW, w); err != nil {
			return err
		}
		cur += 4
	}
	return nil
}

func errAlign(addr uint32) error {
	return fmt.Errorf("%w: address 0x%08x is not 4-byte aligned", errs.ErrInvalidArgument, addr)
}
