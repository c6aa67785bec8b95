// Command meshflasherd wires the SWD/flash pipeline and the BLE/TCP bridge
// behind the HTTP control surface and starts serving: construct the
// protocol stack, construct the gateway, ListenAndServe.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/soup0r/meshflasher/internal/blecentral"
	"github.com/soup0r/meshflasher/internal/boardcfg"
	"github.com/soup0r/meshflasher/internal/bridge"
	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/httpapi"
	"github.com/soup0r/meshflasher/internal/obslog"
	"github.com/soup0r/meshflasher/internal/powerrail"
	"github.com/soup0r/meshflasher/internal/session"
	"github.com/soup0r/meshflasher/internal/swdline"
	"github.com/soup0r/meshflasher/internal/tcpproxy"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var log = obslog.New("main")

func main() {
	boardPath := flag.String("board", "", "path to board.ini (default board profile if empty)")
	httpAddr := flag.String("http-addr", "", "override board.ini http_addr")
	tcpAddr := flag.String("tcp-addr", "", "override board.ini tcp_addr")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	obslog.SetDebug(*debug)

	profile := boardcfg.Default()
	if *boardPath != "" {
		loaded, err := boardcfg.Load(*boardPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load board profile")
		}
		profile = loaded
	}
	if *httpAddr != "" {
		profile.HTTPAddr = *httpAddr
	}
	if *tcpAddr != "" {
		profile.TCPAddr = *tcpAddr
	}

	line, err := buildLine(profile)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize SWD GPIO pins")
	}
	sess := session.New(line)

	// No BLE host stack library exists anywhere in this module's dependency
	// corpus (see DESIGN.md), so the BLE central only has a working Stack
	// under test, via blecentral.VirtualStack. In production it is wired to
	// unwiredBLEStack, which fails every call cleanly until a concrete
	// platform stack is plugged in.
	central := blecentral.New(&unwiredBLEStack{}, profile.BLEDefaultPasskey)
	central.Start()

	br := bridge.New(central)
	proxy := tcpproxy.New(profile.TCPAddr, profile.TCPMaxClients, br)
	br.Attach(proxy)
	if err := proxy.Start(); err != nil {
		log.WithError(err).Fatal("failed to start tcp fan-out proxy")
	}

	server := httpapi.New(sess, profile, central, proxy, buildPowerRail(profile))

	log.WithField("addr", profile.HTTPAddr).Info("serving")
	httpServer := &http.Server{
		Addr:         profile.HTTPAddr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // /upload streams a full flash image
	}
	if err := httpServer.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("http server stopped")
	}
}

// unwiredBLEStack satisfies blecentral.Stack when no concrete platform BLE
// host stack is available; every call fails cleanly rather than panicking.
type unwiredBLEStack struct{}

func (unwiredBLEStack) StartScan() error { return errs.ErrInvalidState }
func (unwiredBLEStack) CancelScan()      {}
func (unwiredBLEStack) Connect(addr string) error                { return errs.ErrInvalidState }
func (unwiredBLEStack) ExchangeMTU(connHandle uint16) error      { return errs.ErrInvalidState }
func (unwiredBLEStack) SecurityInitiate(connHandle uint16) error { return errs.ErrInvalidState }
func (unwiredBLEStack) InjectPasskey(connHandle uint16, passkey uint32) error {
	return errs.ErrInvalidState
}
func (unwiredBLEStack) AcceptNumericComparison(connHandle uint16) error { return errs.ErrInvalidState }
func (unwiredBLEStack) DiscoverServices(connHandle uint16) error        { return errs.ErrInvalidState }
func (unwiredBLEStack) DiscoverCharacteristics(connHandle uint16, serviceUUID string) error {
	return errs.ErrInvalidState
}
func (unwiredBLEStack) DiscoverDescriptors(connHandle uint16, charValueHandle uint16) error {
	return errs.ErrInvalidState
}
func (unwiredBLEStack) WriteCCCD(connHandle uint16, cccdHandle uint16, value []byte) error {
	return errs.ErrInvalidState
}
func (unwiredBLEStack) WriteRX(connHandle uint16, valHandle uint16, data []byte) error {
	return errs.ErrInvalidState
}
func (unwiredBLEStack) Disconnect(connHandle uint16) error { return nil }
func (unwiredBLEStack) DeleteBond(peerAddr string) error   { return nil }

// buildPowerRail resolves the optional rail-control pin; handlers report a
// clean failure when the board doesn't wire one.
func buildPowerRail(profile *boardcfg.Profile) httpapi.PowerControl {
	if profile.PowerPin == 0 {
		return nil
	}
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", profile.PowerPin))
	if pin == nil {
		log.WithField("pin", profile.PowerPin).Warn("power rail pin not found, rail control disabled")
		return nil
	}
	return powerrail.New(pin, profile.PowerRailActiveHigh)
}

func buildLine(profile *boardcfg.Profile) (swdline.Line, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host.Init: %w", err)
	}
	swclk := gpioreg.ByName(fmt.Sprintf("GPIO%d", profile.SWCLKPin))
	swdio := gpioreg.ByName(fmt.Sprintf("GPIO%d", profile.SWDIOPin))
	if swclk == nil || swdio == nil {
		return nil, fmt.Errorf("swclk/swdio pins not found (GPIO%d/GPIO%d)", profile.SWCLKPin, profile.SWDIOPin)
	}
	var nreset gpio.PinIO
	if profile.NResetPin != 0 {
		nreset = gpioreg.ByName(fmt.Sprintf("GPIO%d", profile.NResetPin))
	}
	pins := swdline.Pins{SWCLK: swclk, SWDIO: swdio, NReset: nreset}
	return swdline.New(pins, time.Duration(profile.DelayNS)), nil
}
