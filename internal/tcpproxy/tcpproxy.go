// Package tcpproxy is the TCP fan-out proxy: a listener on port 4403
// serving a small fixed-size set of raw byte-stream clients, forwarding BLE
// notifications to all of them and chunking client writes down to the BLE
// connection MTU.
//
// A single-threaded select(2)-style multiplexer over the listener and every
// client socket is unnecessary in Go: each connection gets its own
// goroutine blocked in Read, and the client set is protected by a mutex.
package tcpproxy

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/obslog"
	"golang.org/x/sys/unix"
)

var log = obslog.New("tcpproxy")

const (
	recvBufSize     = 512
	maxBLEChunk     = 244
	interChunkPause = 5 * time.Millisecond
)

// BLESender is the send-to-BLE capability the proxy chunks client writes
// into. It is satisfied by internal/bridge, which wraps a blecentral.Central.
type BLESender interface {
	// MTU returns the current link MTU, or 0 if no BLE connection exists.
	MTU() int
	// SendChunk writes one already-sized chunk to the BLE RX characteristic.
	SendChunk(data []byte) error
}

// Proxy owns the listener and the client set.
type Proxy struct {
	addr       string
	maxClients int
	ble        BLESender

	mu       sync.Mutex
	clients  map[*net.TCPConn]struct{}
	listener *net.TCPListener
	closed   bool
}

// New constructs a Proxy bound to addr (host:port, normally ":4403"), capped
// at maxClients simultaneous connections.
func New(addr string, maxClients int, ble BLESender) *Proxy {
	return &Proxy{
		addr:       addr,
		maxClients: maxClients,
		ble:        ble,
		clients:    make(map[*net.TCPConn]struct{}),
	}
}

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// Start binds the listener with SO_REUSEADDR and begins accepting
// connections on a background goroutine. Call Shutdown to stop.
func (p *Proxy) Start() error {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", p.addr)
	if err != nil {
		return &errs.ProxyError{Kind: errs.ProxyBind, Err: err}
	}
	p.mu.Lock()
	p.listener = ln.(*net.TCPListener)
	p.mu.Unlock()

	go p.acceptLoop()
	return nil
}

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			log.WithError(err).Warn("accept failed")
			return
		}
		tcpConn := conn.(*net.TCPConn)
		p.handleAccept(tcpConn)
	}
}

func (p *Proxy) handleAccept(conn *net.TCPConn) {
	p.mu.Lock()
	if len(p.clients) >= p.maxClients {
		p.mu.Unlock()
		log.Warn("client limit reached, refusing connection from", conn.RemoteAddr())
		conn.Close()
		return
	}
	p.clients[conn] = struct{}{}
	p.mu.Unlock()

	log.WithField("remote", conn.RemoteAddr().String()).Debug("client connected")
	go p.serveClient(conn)
}

func (p *Proxy) removeClient(conn *net.TCPConn) {
	p.mu.Lock()
	delete(p.clients, conn)
	p.mu.Unlock()
	conn.Close()
}

// serveClient reads recvBufSize-sized chunks from one client and forwards
// them to the BLE RX characteristic, MTU-chunked with a small inter-chunk
// pause.
func (p *Proxy) serveClient(conn *net.TCPConn) {
	buf := make([]byte, recvBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := p.forwardToBLE(buf[:n]); sendErr != nil {
				log.WithError(sendErr).Warn("forward to ble failed, closing client")
				p.removeClient(conn)
				return
			}
		}
		if err != nil {
			p.removeClient(conn)
			return
		}
	}
}

func (p *Proxy) forwardToBLE(data []byte) error {
	chunkSize := p.ble.MTU() - 3
	if chunkSize <= 0 || chunkSize > maxBLEChunk {
		chunkSize = maxBLEChunk
	}
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := p.ble.SendChunk(data[:n]); err != nil {
			return &errs.ProxyError{Kind: errs.ProxySend, Err: err}
		}
		data = data[n:]
		if len(data) > 0 {
			time.Sleep(interChunkPause)
		}
	}
	return nil
}

// Broadcast is the BLE->TCP fan-out capability: called from the BLE notify
// callback, it sends to every live client with MSG_NOSIGNAL under the
// client-set mutex, closing any client whose send fails or is partial.
func (p *Proxy) Broadcast(data []byte) {
	p.mu.Lock()
	var failed []*net.TCPConn
	for conn := range p.clients {
		n, err := sendNoSignal(conn, data)
		if err != nil || n != len(data) {
			log.WithError(err).Warn("partial or failed send, closing client")
			delete(p.clients, conn)
			failed = append(failed, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range failed {
		conn.Close()
	}
}

// ClientCount reports the current number of connected clients.
func (p *Proxy) ClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Shutdown closes the listener and every client connection.
func (p *Proxy) Shutdown() {
	p.mu.Lock()
	p.closed = true
	if p.listener != nil {
		p.listener.Close()
	}
	conns := make([]*net.TCPConn, 0, len(p.clients))
	for c := range p.clients {
		conns = append(conns, c)
	}
	p.clients = make(map[*net.TCPConn]struct{})
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func sendNoSignal(conn *net.TCPConn, data []byte) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var n int
	var sendErr error
	ctrlErr := raw.Write(func(fd uintptr) bool {
		sendErr = unix.Send(int(fd), data, unix.MSG_NOSIGNAL)
		if sendErr == nil {
			n = len(data)
		}
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return n, ctrlErr
	}
	return n, sendErr
}
