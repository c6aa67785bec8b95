package hexstream

import (
	"strings"
	"testing"

	"github.com/soup0r/meshflasher/internal/errs"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	writes [][2]interface{} // {baseAddr uint32, data []byte}
	flushes int
}

func (s *recordingSink) Write(base uint32, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, [2]interface{}{base, cp})
	return nil
}

func (s *recordingSink) Flush() error {
	s.flushes++
	return nil
}

func TestParseSpecScenarioProducesOneWriteThenEOF(t *testing.T) {
	input := ":10010000214601360121470136007EFE09D2190140\n:00000001FF\n"
	sink := &recordingSink{}
	p := NewParser(sink)
	require.NoError(t, p.Parse(strings.NewReader(input)))

	require.Len(t, sink.writes, 1)
	base := sink.writes[0][0].(uint32)
	data := sink.writes[0][1].([]byte)
	require.Equal(t, uint32(0x0100), base)
	require.Equal(t, []byte{0x21, 0x46, 0x01, 0x36, 0x01, 0x21, 0x47, 0x01, 0x36, 0x00, 0x7E, 0xFE, 0x09, 0xD2, 0x19, 0x01}, data)
	require.GreaterOrEqual(t, sink.flushes, 1)
}

func TestChecksumMismatchRejected(t *testing.T) {
	bad := ":10010000214601360121470136007EFE09D21901FF\n"
	sink := &recordingSink{}
	p := NewParser(sink)
	err := p.Parse(strings.NewReader(bad))
	require.Error(t, err)
	var hexErr *errs.HexError
	require.ErrorAs(t, err, &hexErr)
	require.Equal(t, errs.HexChecksum, hexErr.Kind)
}

func TestExtendedLinearAddressAffectsAbsoluteAddress(t *testing.T) {
	input := ":020000040001F9\n:10000000000102030405060708090A0B0C0D0E0F78\n:00000001FF\n"
	sink := &recordingSink{}
	p := NewParser(sink)
	require.NoError(t, p.Parse(strings.NewReader(input)))

	require.Len(t, sink.writes, 1)
	require.Equal(t, uint32(0x00010000), sink.writes[0][0].(uint32))
}

func TestLinearAddressChangeForcesFlush(t *testing.T) {
	input := ":10000000000102030405060708090A0B0C0D0E0F78\n" +
		":020000040001F9\n" +
		":10000000101112131415161718191A1B1C1D1E1F78\n" +
		":00000001FF\n"
	sink := &recordingSink{}
	p := NewParser(sink)
	require.NoError(t, p.Parse(strings.NewReader(input)))

	// The linear-address-change record forces a flush before the second
	// chunk starts, even though addresses would otherwise look contiguous
	// within their own 16-bit window.
	require.Len(t, sink.writes, 2)
	require.Equal(t, uint32(0x00000000), sink.writes[0][0].(uint32))
	require.Equal(t, uint32(0x00010000), sink.writes[1][0].(uint32))
}

func TestCoalescesContiguousRecords(t *testing.T) {
	input := ":10000000000102030405060708090A0B0C0D0E0F78\n" +
		":10001000101112131415161718191A1B1C1D1E1F68\n" +
		":00000001FF\n"
	sink := &recordingSink{}
	p := NewParser(sink)
	require.NoError(t, p.Parse(strings.NewReader(input)))

	require.Len(t, sink.writes, 1)
	data := sink.writes[0][1].([]byte)
	require.Len(t, data, 32)
}

func TestNonContiguousJumpFlushesFirst(t *testing.T) {
	input := ":10000000000102030405060708090A0B0C0D0E0F78\n" +
		":10002000101112131415161718191A1B1C1D1E1F58\n" +
		":00000001FF\n"
	sink := &recordingSink{}
	p := NewParser(sink)
	require.NoError(t, p.Parse(strings.NewReader(input)))

	require.Len(t, sink.writes, 2)
}

func TestRejectsShortLine(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)
	err := p.Parse(strings.NewReader(":1000\n"))
	require.Error(t, err)
	var hexErr *errs.HexError
	require.ErrorAs(t, err, &hexErr)
	require.Equal(t, errs.HexLength, hexErr.Kind)
}
