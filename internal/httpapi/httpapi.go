// Package httpapi is the thin HTTP adapter: a *http.ServeMux with one
// handler per route, wrapping the SWD/flash pipeline and the BLE
// central/TCP proxy pair behind a {success, message, code} JSON envelope.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/soup0r/meshflasher/internal/blecentral"
	"github.com/soup0r/meshflasher/internal/boardcfg"
	"github.com/soup0r/meshflasher/internal/ctrlap"
	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/flashjob"
	"github.com/soup0r/meshflasher/internal/memap"
	"github.com/soup0r/meshflasher/internal/nvmc"
	"github.com/soup0r/meshflasher/internal/obslog"
	"github.com/soup0r/meshflasher/internal/session"
	"github.com/soup0r/meshflasher/internal/tcpproxy"
)

var log = obslog.New("httpapi")

const uicrApprotect uint32 = 0x10001208

// PowerControl is the target rail control external collaborator behind
// `/power_on`, `/power_off`, `/power_reboot`.
type PowerControl interface {
	On() error
	Off() error
	Reboot() error
}

// envelope is the generic {success, message, code} response body every
// handler returns.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Server wires the flasher's components behind the HTTP surface. The
// handlers are thin adapters; the core logic lives in the wrapped packages.
type Server struct {
	sess    *session.Session
	profile *boardcfg.Profile
	central *blecentral.Central
	proxy   *tcpproxy.Proxy
	power   PowerControl

	mux *http.ServeMux

	jobMu sync.Mutex
	job   *flashjob.Job
}

// New builds the route table. power may be nil if no rail control is wired
// (the power handlers then report a clean InvalidState failure).
func New(sess *session.Session, profile *boardcfg.Profile, central *blecentral.Central, proxy *tcpproxy.Proxy, power PowerControl) *Server {
	s := &Server{sess: sess, profile: profile, central: central, proxy: proxy, power: power}
	mux := http.NewServeMux()
	mux.HandleFunc("/check_swd", s.handleCheckSWD)
	mux.HandleFunc("/release_swd", s.handleReleaseSWD)
	mux.HandleFunc("/mass_erase", s.handleMassErase)
	mux.HandleFunc("/disable_protection", s.handleDisableProtection)
	mux.HandleFunc("/erase_all", s.handleEraseAll)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/progress", s.handleProgress)
	mux.HandleFunc("/ble/connect", s.handleBLEConnect)
	mux.HandleFunc("/ble/disconnect", s.handleBLEDisconnect)
	mux.HandleFunc("/ble/conn_status", s.handleBLEConnStatus)
	mux.HandleFunc("/ble/passkey", s.handleBLEPasskey)
	mux.HandleFunc("/ble/scan", s.handleBLEScan)
	mux.HandleFunc("/ble/stop_scan", s.handleBLEStopScan)
	mux.HandleFunc("/ble/devices", s.handleBLEDevices)
	mux.HandleFunc("/ble/clear", s.handleBLEClear)
	mux.HandleFunc("/power_on", s.handlePower(func() error { return s.power.On() }))
	mux.HandleFunc("/power_off", s.handlePower(func() error { return s.power.Off() }))
	mux.HandleFunc("/power_reboot", s.handlePower(func() error { return s.power.Reboot() }))
	s.mux = mux
	return s
}

// Handler returns the server's http.Handler for use with http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.mux }

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

// writeError maps an error to the envelope and status code: HTTP 200 for
// application-level errors, 400 for malformed input.
func writeError(w http.ResponseWriter, err error) {
	code, badInput := classify(err)
	status := http.StatusOK
	if badInput {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	writeJSON(w, envelope{Success: false, Message: err.Error(), Code: code})
}

func classify(err error) (code string, badInput bool) {
	var hexErr *errs.HexError
	var flashErr *errs.FlashError
	var bleErr *errs.BleError
	var proxyErr *errs.ProxyError
	switch {
	case errors.As(err, &hexErr):
		return "hex_" + hexErr.Kind.String(), true
	case errors.As(err, &flashErr):
		return "flash_" + string(flashErr.Phase), false
	case errors.As(err, &bleErr):
		return "ble_" + bleErr.Kind.String(), false
	case errors.As(err, &proxyErr):
		return "proxy_" + proxyErr.Kind.String(), false
	case errors.Is(err, errs.ErrInvalidArgument):
		return "invalid_argument", true
	case errors.Is(err, errs.ErrInvalidState):
		return "invalid_state", false
	case errors.Is(err, errs.ErrBusFault):
		return "bus_fault", false
	case errors.Is(err, errs.ErrBusWait):
		return "bus_wait", false
	case errors.Is(err, errs.ErrProtocolError):
		return "protocol_error", false
	case errors.Is(err, errs.ErrLinkLost):
		return "link_lost", false
	case errors.Is(err, errs.ErrPowerUpTimeout):
		return "power_up_timeout", false
	case errors.Is(err, errs.ErrUnlockTimeout):
		return "unlock_timeout", false
	default:
		return "error", false
	}
}

func (s *Server) connectIfNeeded() (session.Descriptor, error) {
	if s.sess.IsConnected() {
		return s.sess.Target(), nil
	}
	return s.sess.Connect()
}

func (s *Server) engine() (*nvmc.Engine, error) {
	target, err := s.connectIfNeeded()
	if err != nil {
		return nil, err
	}
	mem := memap.New(s.sess.Transactor(), target.SelectedAPIndex)
	return nvmc.New(mem), nil
}

func (s *Server) handleCheckSWD(w http.ResponseWriter, r *http.Request) {
	target, err := s.connectIfNeeded()
	if err != nil {
		writeError(w, err)
		return
	}
	mem := memap.New(s.sess.Transactor(), target.SelectedAPIndex)
	approtect, err := mem.Read32(uicrApprotect)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"connected": true,
		"approtect": approtect,
		"status":    "ok",
	})
}

func (s *Server) handleReleaseSWD(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if err := s.sess.Disconnect(); err != nil {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, err.Error())
		return
	}
	io.WriteString(w, "released")
}

func (s *Server) handleMassErase(w http.ResponseWriter, r *http.Request) {
	if _, err := s.connectIfNeeded(); err != nil {
		writeError(w, err)
		return
	}
	unlocker := ctrlap.New(s.sess, 0)
	if err := unlocker.Unlock(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, envelope{Success: true, Message: "unlocked"})
}

func (s *Server) handleDisableProtection(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engine()
	if err != nil {
		writeError(w, err)
		return
	}
	const uicrPage = uicrApprotect &^ (nvmc.PageSize - 1)
	if err := engine.ErasePage(uicrPage); err != nil {
		writeError(w, err)
		return
	}
	if err := engine.ProgramWord(uicrApprotect, 0xFFFFFF5A); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, envelope{Success: true, Message: "protection disabled"})
}

func (s *Server) handleEraseAll(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engine()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := engine.MassErase(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, envelope{Success: true, Message: "erased"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, envelope{Success: false, Message: "POST required", Code: "invalid_argument"})
		return
	}
	engine, err := s.engine()
	if err != nil {
		writeError(w, err)
		return
	}

	kind := r.URL.Query().Get("type")
	base := flashjob.BaseForKind(s.profile.UploadBaseOverrides, kind)

	job := flashjob.NewJob(r.ContentLength)
	s.jobMu.Lock()
	s.job = job
	s.jobMu.Unlock()

	if err := job.Run(engine, r.Body, base); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, envelope{Success: true, Message: "flashed"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.jobMu.Lock()
	job := s.job
	s.jobMu.Unlock()
	if job == nil {
		writeJSON(w, flashjob.Progress{})
		return
	}
	writeJSON(w, job.Snapshot())
}

func (s *Server) handleBLEConnect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, envelope{Success: false, Message: err.Error(), Code: "invalid_argument"})
		return
	}
	addr := r.FormValue("addr")
	if addr == "" {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, envelope{Success: false, Message: "missing addr", Code: "invalid_argument"})
		return
	}
	if err := s.central.Connect(addr); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, envelope{Success: true, Message: "connecting"})
}

func (s *Server) handleBLEDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.central.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, envelope{Success: true, Message: "disconnecting"})
}

func (s *Server) handleBLEConnStatus(w http.ResponseWriter, r *http.Request) {
	state, connected, peerAddr := s.central.Status()
	writeJSON(w, map[string]interface{}{
		"connected": connected,
		"state":     state.String(),
		"peer_addr": peerAddr,
	})
}

func (s *Server) handleBLEPasskey(w http.ResponseWriter, r *http.Request) {
	pinStr := r.URL.Query().Get("pin")
	pin, err := strconv.ParseUint(pinStr, 10, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, envelope{Success: false, Message: "pin must be a 6-digit number", Code: "invalid_argument"})
		return
	}
	s.central.SetPasskey(uint32(pin))
	writeJSON(w, envelope{Success: true, Message: "passkey accepted"})
}

func (s *Server) handleBLEScan(w http.ResponseWriter, r *http.Request) {
	if err := s.central.Scan(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, envelope{Success: true, Message: "scanning"})
}

func (s *Server) handleBLEStopScan(w http.ResponseWriter, r *http.Request) {
	s.central.StopScan()
	writeJSON(w, envelope{Success: true, Message: "scan stopped"})
}

func (s *Server) handleBLEDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"devices": s.central.Devices(),
	})
}

func (s *Server) handleBLEClear(w http.ResponseWriter, r *http.Request) {
	s.central.ClearDevices()
	writeJSON(w, envelope{Success: true, Message: "device list cleared"})
}

func (s *Server) handlePower(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.power == nil {
			writeError(w, errs.ErrInvalidState)
			return
		}
		if err := fn(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, envelope{Success: true})
	}
}
