// Package errs collects the error taxonomy shared by every component of the
// flasher: the SWD/DAP stack, the NVMC/CTRL-AP flash engine, the HEX parser,
// the BLE central state machine and the TCP fan-out proxy.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Components that have no extra fields to carry just
// return these directly, or wrap them with fmt.Errorf("%w: ...", ...).
var (
	ErrBusFault        = errors.New("dap: bus fault, sticky error not cleared after retry")
	ErrBusWait         = errors.New("dap: target unresponsive, WAIT exhausted")
	ErrProtocolError   = errors.New("dap: parity mismatch or malformed response")
	ErrLinkLost        = errors.New("session: idcode became 0 or 0xffffffff")
	ErrPowerUpTimeout  = errors.New("session: debug power-up ack bits never asserted")
	ErrUnlockTimeout   = errors.New("ctrlap: eraseallstatus never reached 0")
	ErrInvalidState    = errors.New("operation not valid in current state")
	ErrInvalidArgument = errors.New("invalid argument: alignment, range or nil")
)

// HexErrorKind distinguishes the ways an Intel HEX record can be rejected.
type HexErrorKind int

const (
	HexChecksum HexErrorKind = iota
	HexLength
	HexUnknownRecord
)

func (k HexErrorKind) String() string {
	switch k {
	case HexChecksum:
		return "checksum"
	case HexLength:
		return "length"
	case HexUnknownRecord:
		return "unknown_record"
	default:
		return "unknown"
	}
}

// HexError reports a malformed Intel HEX record.
type HexError struct {
	Kind HexErrorKind
	Line int
}

func (e *HexError) Error() string {
	return fmt.Sprintf("hex: %s error at line %d", e.Kind, e.Line)
}

// FlashPhase names the stage of a flash operation that failed.
type FlashPhase string

const (
	PhaseErase   FlashPhase = "erase"
	PhaseProgram FlashPhase = "program"
	PhaseVerify  FlashPhase = "verify"
)

// FlashError reports an erase/program/verify failure at a specific address.
type FlashError struct {
	Phase FlashPhase
	Addr  uint32
	Err   error
}

func (e *FlashError) Error() string {
	return fmt.Sprintf("flash: %s failed at 0x%08x: %v", e.Phase, e.Addr, e.Err)
}

func (e *FlashError) Unwrap() error { return e.Err }

// BleErrorKind distinguishes the phase of a BLE central failure.
type BleErrorKind int

const (
	BleConnect BleErrorKind = iota
	BlePair
	BleEncrypt
	BleDiscover
	BleSubscribe
	BleSend
)

func (k BleErrorKind) String() string {
	switch k {
	case BleConnect:
		return "connect"
	case BlePair:
		return "pair"
	case BleEncrypt:
		return "encrypt"
	case BleDiscover:
		return "discover"
	case BleSubscribe:
		return "subscribe"
	case BleSend:
		return "send"
	default:
		return "unknown"
	}
}

// BleError reports a BLE central/peripheral failure at a given phase.
type BleError struct {
	Kind BleErrorKind
	Err  error
}

func (e *BleError) Error() string {
	return fmt.Sprintf("ble: %s failed: %v", e.Kind, e.Err)
}

func (e *BleError) Unwrap() error { return e.Err }

// ProxyErrorKind distinguishes the phase of a TCP fan-out failure.
type ProxyErrorKind int

const (
	ProxyBind ProxyErrorKind = iota
	ProxyAccept
	ProxyClientLimit
	ProxySend
	ProxyRecv
)

func (k ProxyErrorKind) String() string {
	switch k {
	case ProxyBind:
		return "bind"
	case ProxyAccept:
		return "accept"
	case ProxyClientLimit:
		return "client_limit"
	case ProxySend:
		return "send"
	case ProxyRecv:
		return "recv"
	default:
		return "unknown"
	}
}

// ProxyError reports a TCP fan-out proxy failure.
type ProxyError struct {
	Kind ProxyErrorKind
	Err  error
}

func (e *ProxyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("proxy: %s", e.Kind)
	}
	return fmt.Sprintf("proxy: %s: %v", e.Kind, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }
