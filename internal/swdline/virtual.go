package swdline

import (
	"sync"
)

// VirtualTarget is an in-memory stand-in for a real nRF52 implementing the
// Line interface at register-transaction granularity, the same level the
// teacher stack's pkg/can/virtual loopback bus doubles for a physical CAN
// transceiver. It lets internal/dap, internal/session, internal/memap,
// internal/nvmc and internal/ctrlap be exercised without real silicon.
//
// It honors the posted AP-read timing rule: an AP read
// transaction returns the result of the *previous* AP access, and RDBUFF
// returns the most recently latched value.
type VirtualTarget struct {
	mu sync.Mutex

	idcode   uint32
	ctrlStat uint32
	selectR  uint32
	apLatch  uint32

	protectEnabled bool // APPROTECT gate on the MEM-AP
	mem            []byte
	other          map[uint32]uint32 // words outside the flash window (FICR, UICR, RAM), keyed by word address
	nvmcReady      bool
	nvmcConfig     uint32
	memCSW         uint32
	memTAR         uint32
	ctrlAPArmed    bool
	eraseAllLeft   int // decrements toward 0 on each ERASEALLSTATUS poll once armed

	// injected faults for retry testing
	WaitCountdown int // number of consecutive WAITs to return before OK
	FaultOnce     bool
}

const memSize = 1 << 20 // 1 MiB nRF52840 flash, addresses 0..0xFFFFF map 1:1 into mem

// NewVirtualTarget returns a target pre-erased (all 0xFF) with the given
// IDCODE, matching a real nRF52840's ARM DAP v2 identify response.
func NewVirtualTarget(idcode uint32) *VirtualTarget {
	v := &VirtualTarget{
		idcode:    idcode,
		mem:       make([]byte, memSize),
		other:     make(map[uint32]uint32),
		nvmcReady: true,
	}
	for i := range v.mem {
		v.mem[i] = 0xFF
	}
	// FICR.DEVICEID low half, a nonzero constant, for the identify scenario.
	v.putWord(0x10000100, 0xDEC0DE01)
	// UICR.APPROTECT defaults to the HwDisabled sentinel (unprotected).
	v.putWord(0x10001208, 0xFFFFFF5A)
	return v
}

func (v *VirtualTarget) putWord(addr uint32, val uint32) {
	if int(addr)+4 > len(v.mem) {
		v.other[addr] = val
		return
	}
	v.mem[addr] = byte(val)
	v.mem[addr+1] = byte(val >> 8)
	v.mem[addr+2] = byte(val >> 16)
	v.mem[addr+3] = byte(val >> 24)
}

func (v *VirtualTarget) getWord(addr uint32) uint32 {
	if int(addr)+4 > len(v.mem) {
		if w, ok := v.other[addr]; ok {
			return w
		}
		return 0xFFFFFFFF
	}
	return uint32(v.mem[addr]) | uint32(v.mem[addr+1])<<8 | uint32(v.mem[addr+2])<<16 | uint32(v.mem[addr+3])<<24
}

// EnableProtection simulates APPROTECT blocking the MEM-AP.
func (v *VirtualTarget) EnableProtection() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.protectEnabled = true
	v.putWord(0x10001208, 0x00000000)
}

// ReadMem lets tests inspect the simulated memory (flash, FICR, UICR, RAM)
// directly.
func (v *VirtualTarget) ReadMem(addr, n uint32) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]byte, n)
	for i := uint32(0); i < n; i++ {
		a := addr + i
		out[i] = byte(v.getWord(a&^3) >> (8 * (a & 3)))
	}
	return out
}

func (v *VirtualTarget) LineReset() error     { return nil }
func (v *VirtualTarget) JTAGToSWD() error     { return nil }
func (v *VirtualTarget) DormantWakeup() error { return nil }

func (v *VirtualTarget) RawTransaction(port Port, access Access, addr4 uint8, data uint32) (Ack, uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.WaitCountdown > 0 {
		v.WaitCountdown--
		return AckWAIT, 0, nil
	}
	if v.FaultOnce {
		v.FaultOnce = false
		return AckFAULT, 0, nil
	}

	if port == DP {
		return v.dpTransaction(access, addr4, data)
	}
	return v.apTransaction(access, addr4, data)
}

func (v *VirtualTarget) dpTransaction(access Access, addr4 uint8, data uint32) (Ack, uint32, error) {
	switch addr4 {
	case 0x0: // IDCODE (read) / ABORT (write)
		if access == Read {
			return AckOK, v.idcode, nil
		}
		// ABORT: 0x1E clears sticky errors.
		if data&0x1E != 0 {
			v.ctrlStat &^= 0x32 // clear ORUNERR/WDERR/STKERR/STKCMPERR-ish bits used by our sim
		}
		return AckOK, 0, nil
	case 0x4: // CTRL/STAT
		if access == Read {
			return AckOK, v.ctrlStat, nil
		}
		if data&0x50000000 == 0x50000000 {
			// power-up requested: ack bits assert immediately in simulation.
			v.ctrlStat = data | 0xA0000000
		} else {
			v.ctrlStat = data
		}
		return AckOK, 0, nil
	case 0x8: // SELECT
		if access == Write {
			v.selectR = data
			return AckOK, 0, nil
		}
		return AckProtocol, 0, nil
	case 0xC: // RDBUFF
		if access == Read {
			return AckOK, v.apLatch, nil
		}
		return AckProtocol, 0, nil
	}
	return AckProtocol, 0, nil
}

func (v *VirtualTarget) apIndex() uint8 { return uint8(v.selectR >> 24) }
func (v *VirtualTarget) apBank() uint8  { return uint8((v.selectR >> 4) & 0xF) }

func (v *VirtualTarget) apTransaction(access Access, addr4 uint8, data uint32) (Ack, uint32, error) {
	prev := v.apLatch
	idx := v.apIndex()
	bank := v.apBank()

	switch {
	case idx == 0 && bank == 0xF && addr4 == 0xC: // MEM-AP IDR
		v.apLatch = 0x24770011
	case idx == 0: // MEM-AP CSW/TAR/DRW
		v.memAPTransaction(access, addr4, data)
	case idx == 1 && bank == 0xF && addr4 == 0xC: // CTRL-AP IDR
		v.apLatch = 0x12880000
	case idx == 1: // Nordic CTRL-AP
		v.ctrlAPTransaction(access, addr4, data)
	default:
		return AckFAULT, 0, nil
	}

	if access == Read {
		return AckOK, prev, nil
	}
	return AckOK, 0, nil
}

func (v *VirtualTarget) memAPTransaction(access Access, addr4 uint8, data uint32) {
	switch addr4 {
	case 0x0: // CSW
		if access == Write {
			v.memCSW = data
		} else {
			v.apLatch = v.memCSW
		}
	case 0x4: // TAR
		if access == Write {
			v.memTAR = data
		} else {
			v.apLatch = v.memTAR
		}
	case 0xC: // DRW
		if v.protectEnabled && v.memTAR < 0x100000 {
			v.apLatch = 0xFFFFFFFF
			return
		}
		if access == Write {
			v.handleRegisterWrite(v.memTAR, data)
			v.apLatch = data
		} else {
			v.apLatch = v.handleRegisterRead(v.memTAR)
		}
		if v.memCSW&0x30 != 0 { // auto-increment bit pattern, simplified
			v.memTAR += 4
		}
	}
}

const (
	nvmcBase       = 0x4001E000
	nvmcReadyOff   = 0x400
	nvmcConfigOff  = 0x504
	nvmcErasePgOff = 0x508
	nvmcEraseAllOf = 0x50C
	uicrApprotect  = 0x10001208
)

func (v *VirtualTarget) handleRegisterRead(addr uint32) uint32 {
	switch addr {
	case nvmcBase + nvmcReadyOff:
		if v.nvmcReady {
			return 1
		}
		return 0
	case nvmcBase + nvmcConfigOff:
		return v.nvmcConfig
	}
	return v.getWord(addr)
}

func (v *VirtualTarget) handleRegisterWrite(addr uint32, data uint32) {
	switch addr {
	case nvmcBase + nvmcConfigOff:
		v.nvmcConfig = data & 0x3
		return
	case nvmcBase + nvmcErasePgOff:
		page := data &^ 0xFFF
		for i := uint32(0); i < 4096; i++ {
			if int(page+i) < len(v.mem) {
				v.mem[page+i] = 0xFF
			}
		}
		return
	case nvmcBase + nvmcEraseAllOf:
		if data == 1 {
			for i := range v.mem {
				v.mem[i] = 0xFF
			}
		}
		return
	}
	if v.nvmcConfig == 1 { // WEN: word program, erased bits may only go 1->0
		cur := v.getWord(addr)
		v.putWord(addr, cur&data)
		return
	}
	v.putWord(addr, data)
}

func (v *VirtualTarget) ctrlAPTransaction(access Access, addr4 uint8, data uint32) {
	switch addr4 {
	case 0x0: // RESET
		if access == Write && data == 1 {
			v.ctrlAPArmed = true
		} else if access == Write {
			v.ctrlAPArmed = false
		}
	case 0x4: // ERASEALL
		if access == Write && data == 1 && v.ctrlAPArmed {
			v.eraseAllLeft = 3 // a handful of polls before it reports done
		}
	case 0x8: // ERASEALLSTATUS
		if access == Read {
			if v.eraseAllLeft > 0 {
				v.eraseAllLeft--
				v.apLatch = 1
				return
			}
			for i := range v.mem {
				v.mem[i] = 0xFF
			}
			v.putWord(uicrApprotect, 0xFFFFFFFF)
			v.protectEnabled = false
			v.apLatch = 0
		}
	case 0xC: // APPROTECTSTATUS
		if access == Read {
			if v.protectEnabled {
				v.apLatch = 0
			} else {
				v.apLatch = 1
			}
		}
	}
}
