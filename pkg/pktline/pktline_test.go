package pktline_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kptdev/gitd/internal/giterrors"
	"github.com/kptdev/gitd/pkg/pktline"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("hello\n"),
		[]byte(""),
		bytes.Repeat([]byte("x"), pktline.MaxPayloadLength),
	}
	for _, payload := range cases {
		enc, err := pktline.Encode(payload)
		require.NoError(t, err)

		s := pktline.NewScanner(bytes.NewReader(enc))
		pkt, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, pktline.Data, pkt.Type)
		assert.Equal(t, payload, pkt.Payload)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := pktline.Encode(bytes.Repeat([]byte("x"), pktline.MaxPayloadLength+1))
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.MalformedPktLine))
}

func TestSentinels(t *testing.T) {
	s := pktline.NewScanner(bytes.NewReader(pktline.Flush()))
	pkt, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, pktline.FlushType, pkt.Type)
}

func TestTruncatedLengthIsMalformed(t *testing.T) {
	s := pktline.NewScanner(bytes.NewReader([]byte("00")))
	_, err := s.Next()
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.MalformedPktLine))
}

func TestDeclaredLengthBelowHeaderIsMalformed(t *testing.T) {
	s := pktline.NewScanner(bytes.NewReader([]byte("0003")))
	_, err := s.Next()
	require.Error(t, err)
	assert.True(t, giterrors.Of(err, giterrors.MalformedPktLine))
}

func TestReadUntilFlush(t *testing.T) {
	var buf bytes.Buffer
	for _, line := range [][]byte{[]byte("one"), []byte("two")} {
		enc, err := pktline.Encode(line)
		require.NoError(t, err)
		buf.Write(enc)
	}
	buf.Write(pktline.Flush())

	s := pktline.NewScanner(&buf)
	lines, err := pktline.ReadUntilFlush(s)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "one", string(lines[0]))
	assert.Equal(t, "two", string(lines[1]))
}

func TestSideBandSplitAndDecode(t *testing.T) {
	data := bytes.Repeat([]byte("y"), pktline.MaxSideBandChunk+100)
	packets, err := pktline.EncodeSideBand(pktline.ChannelProgress, data)
	require.NoError(t, err)
	require.Len(t, packets, 2)

	var reassembled []byte
	for _, raw := range packets {
		s := pktline.NewScanner(bytes.NewReader(raw))
		pkt, err := s.Next()
		require.NoError(t, err)
		ch, body, err := pktline.DecodeSideBand(pkt)
		require.NoError(t, err)
		assert.Equal(t, pktline.ChannelProgress, ch)
		reassembled = append(reassembled, body...)
	}
	assert.Equal(t, data, reassembled)
}

func TestScannerEOFBetweenPackets(t *testing.T) {
	s := pktline.NewScanner(bytes.NewReader(nil))
	_, err := s.Next()
	assert.Equal(t, io.EOF, err)
}
