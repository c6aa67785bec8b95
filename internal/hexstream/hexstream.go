// Package hexstream parses an Intel HEX byte stream line by line and feeds
// decoded data records into a page-aligned coalescing buffer that flushes to
// a Sink (normally the NVMC flash engine, via internal/flashjob) whenever
// the incoming data stops being contiguous.
package hexstream

import (
	"bufio"
	"encoding/hex"
	"io"

	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/soup0r/meshflasher/internal/obslog"
)

const (
	recData               = 0x00
	recEOF                = 0x01
	recExtendedLinearAddr = 0x04
	recStartLinearAddr    = 0x05
)

var log = obslog.New("hexstream")

// Sink receives contiguous chunks of decoded HEX data as they are produced.
// Implementations decide how to cover and program the bytes (see
// the flashSink in internal/flashjob for the production sink).
type Sink interface {
	// Write is called once per coalesced chunk with its absolute base
	// address and bytes.
	Write(baseAddr uint32, data []byte) error
	// Flush is called at EOF or whenever contiguity breaks, before this
	// Write's bytes are superseded by a new, non-adjacent base address.
	Flush() error
}

// Parser streams :LLAAAATT<data><cksum> records and drives a coalescing
// buffer in front of a Sink.
type Parser struct {
	upperLinearAddr uint32
	sink            Sink
	buf             *Coalescer
	line            int
}

// NewParser wraps a Sink with a default 16 KiB coalescing buffer.
func NewParser(sink Sink) *Parser {
	return &Parser{sink: sink, buf: NewCoalescer(sink, 16*1024)}
}

// SetDefaultBase seeds the upper linear address from addr>>16, used when the
// HEX stream carries no extended linear address record and the caller wants
// to bias where its low-16-bit addresses land.
// Any real 0x04 record in the stream overrides this.
func (p *Parser) SetDefaultBase(addr uint32) {
	p.upperLinearAddr = addr >> 16
}

// Parse consumes r line by line until EOF or a parse error. It returns nil
// once the :00000001FF EOF record has been processed and flushed.
func (p *Parser) Parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024), 1<<20)
	for scanner.Scan() {
		p.line++
		line := scanner.Text()
		if line == "" {
			continue
		}
		done, err := p.parseLine(line)
		if err != nil {
			return err
		}
		if done {
			return p.buf.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return p.buf.Flush()
}

func (p *Parser) parseLine(line string) (eof bool, err error) {
	if len(line) < 11 || line[0] != ':' {
		return false, &errs.HexError{Kind: errs.HexLength, Line: p.line}
	}
	raw, decErr := hex.DecodeString(line[1:])
	if decErr != nil {
		return false, &errs.HexError{Kind: errs.HexLength, Line: p.line}
	}
	if len(raw) < 5 {
		return false, &errs.HexError{Kind: errs.HexLength, Line: p.line}
	}
	ll := raw[0]
	if len(raw) != int(ll)+5 {
		return false, &errs.HexError{Kind: errs.HexLength, Line: p.line}
	}
	addrLow := uint16(raw[1])<<8 | uint16(raw[2])
	typ := raw[3]
	data := raw[4 : 4+ll]
	cksum := raw[4+ll]

	var sum byte
	for _, b := range raw[:len(raw)-1] {
		sum += b
	}
	sum += cksum
	if sum != 0 {
		return false, &errs.HexError{Kind: errs.HexChecksum, Line: p.line}
	}

	switch typ {
	case recData:
		abs := (p.upperLinearAddr << 16) | uint32(addrLow)
		if err := p.buf.Feed(abs, data); err != nil {
			return false, err
		}
	case recEOF:
		return true, nil
	case recExtendedLinearAddr:
		if ll != 2 {
			return false, &errs.HexError{Kind: errs.HexLength, Line: p.line}
		}
		if err := p.buf.Flush(); err != nil {
			return false, err
		}
		p.upperLinearAddr = uint32(data[0])<<8 | uint32(data[1])
	case recStartLinearAddr:
		// Ignored silently; no sink operation corresponds to it.
	default:
		log.WithField("type", typ).WithField("line", p.line).Debug("ignoring unknown record type")
	}
	return false, nil
}
