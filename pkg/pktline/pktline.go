// Package pktline implements Git's pkt-line framing: every packet on the
// wire is a 4-hex-digit length (including the header itself) followed by
// that many bytes of payload, with three reserved all-zero-ish lengths
// acting as sentinels instead of data.
//
//	0000          flush-pkt
//	0001          delim-pkt
//	0002          response-end-pkt
//	000a hello\n  a 10-byte packet: 4-byte header + 6-byte payload
package pktline

import (
	"bufio"
	"io"

	"github.com/kptdev/gitd/internal/giterrors"
)

const (
	lengthHeaderSize = 4
	// MaxPacketLength is the largest packet Git will emit, header
	// included.
	MaxPacketLength = 65520
	// MaxPayloadLength is the largest payload a single data packet can
	// carry.
	MaxPayloadLength = MaxPacketLength - lengthHeaderSize
)

// PacketType distinguishes data packets from the three framing
// sentinels.
type PacketType int

const (
	Data PacketType = iota
	FlushType
	DelimType
	ResponseEndType
)

func (t PacketType) String() string {
	switch t {
	case FlushType:
		return "flush"
	case DelimType:
		return "delim"
	case ResponseEndType:
		return "response-end"
	default:
		return "data"
	}
}

// Packet is one decoded unit of a pkt-line stream.
type Packet struct {
	Type    PacketType
	Payload []byte
}

var (
	flushBytes       = []byte("0000")
	delimBytes       = []byte("0001")
	responseEndBytes = []byte("0002")
)

// Encode frames payload as a single data packet. payload must not exceed
// MaxPayloadLength; side-band producers are responsible for splitting
// larger streams before calling Encode (see SplitSideBand).
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLength {
		return nil, giterrors.New(giterrors.MalformedPktLine, "payload of %d bytes exceeds max %d", len(payload), MaxPayloadLength)
	}
	total := lengthHeaderSize + len(payload)
	out := make([]byte, 0, total)
	out = append(out, lengthHeader(total)...)
	out = append(out, payload...)
	return out, nil
}

// Flush returns the flush-pkt sentinel bytes.
func Flush() []byte { return append([]byte(nil), flushBytes...) }

// Delim returns the delim-pkt sentinel bytes.
func Delim() []byte { return append([]byte(nil), delimBytes...) }

// ResponseEndPkt returns the response-end-pkt sentinel bytes.
func ResponseEndPkt() []byte { return append([]byte(nil), responseEndBytes...) }

func lengthHeader(total int) []byte {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, lengthHeaderSize)
	b[0] = hexdigits[(total>>12)&0xf]
	b[1] = hexdigits[(total>>8)&0xf]
	b[2] = hexdigits[(total>>4)&0xf]
	b[3] = hexdigits[total&0xf]
	return b
}

func parseLength(b []byte) (int, error) {
	n := 0
	for _, c := range b {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			n |= int(c-'A') + 10
		default:
			return 0, giterrors.New(giterrors.MalformedPktLine, "non-hex length byte %q", c)
		}
	}
	return n, nil
}

// Scanner reads a sequence of pkt-line packets from an underlying
// io.Reader, stopping at io.EOF between packets (a truncated length or
// payload mid-packet is MALFORMED_PKT, not EOF).
type Scanner struct {
	r *bufio.Reader
}

// NewScanner wraps r for pkt-line decoding.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, MaxPacketLength)}
}

// Next reads and returns the next packet, or io.EOF if the stream ended
// cleanly between packets.
func (s *Scanner) Next() (*Packet, error) {
	var lenBuf [lengthHeaderSize]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, giterrors.Wrap(giterrors.MalformedPktLine, err, "reading pkt-line length header")
	}
	length, err := parseLength(lenBuf[:])
	if err != nil {
		return nil, err
	}
	switch length {
	case 0:
		return &Packet{Type: FlushType}, nil
	case 1:
		return &Packet{Type: DelimType}, nil
	case 2:
		return &Packet{Type: ResponseEndType}, nil
	}
	if length < lengthHeaderSize {
		return nil, giterrors.New(giterrors.MalformedPktLine, "declared length %d shorter than header", length)
	}
	if length > MaxPacketLength {
		return nil, giterrors.New(giterrors.MalformedPktLine, "declared length %d exceeds max packet size", length)
	}
	payload := make([]byte, length-lengthHeaderSize)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, giterrors.Wrap(giterrors.MalformedPktLine, err, "reading pkt-line payload of %d bytes", len(payload))
	}
	return &Packet{Type: Data, Payload: payload}, nil
}

// ReadUntilFlush reads data packets until (and consuming) a flush-pkt,
// returning the accumulated data packets. Used by receive-pack to read
// the command block and push-option block.
func ReadUntilFlush(s *Scanner) ([][]byte, error) {
	var lines [][]byte
	for {
		pkt, err := s.Next()
		if err != nil {
			return nil, err
		}
		if pkt.Type == FlushType {
			return lines, nil
		}
		if pkt.Type != Data {
			return nil, giterrors.New(giterrors.MalformedPktLine, "unexpected %s packet while reading data block", pkt.Type)
		}
		lines = append(lines, pkt.Payload)
	}
}

// ReadRemaining drains everything left unread on the underlying stream,
// bypassing pkt-line framing entirely. Receive-pack uses this once
// command and push-option blocks are consumed, to hand the trailing
// packfile bytes (located by scanning for the PACK signature rather
// than framed as pkt-lines) to the packfile decoder.
func (s *Scanner) ReadRemaining() ([]byte, error) {
	return io.ReadAll(s.r)
}

// Side-band channels (spec §4.1).
const (
	ChannelData     byte = 1
	ChannelProgress byte = 2
	ChannelError    byte = 3
)

// MaxSideBandChunk is the largest slice of raw data that fits in one
// side-band packet once the channel byte is accounted for.
const MaxSideBandChunk = MaxPayloadLength - 1

// EncodeSideBand frames data on the given channel, splitting it into as
// many MaxSideBandChunk-sized packets as needed. Producers call this once
// per logical write; an empty data slice still yields one empty-payload
// packet so progress/error markers can be sent with no body.
func EncodeSideBand(channel byte, data []byte) ([][]byte, error) {
	if len(data) == 0 {
		pkt, err := Encode([]byte{channel})
		if err != nil {
			return nil, err
		}
		return [][]byte{pkt}, nil
	}
	var packets [][]byte
	for offset := 0; offset < len(data); offset += MaxSideBandChunk {
		end := offset + MaxSideBandChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, 0, 1+(end-offset))
		chunk = append(chunk, channel)
		chunk = append(chunk, data[offset:end]...)
		pkt, err := Encode(chunk)
		if err != nil {
			return nil, err
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// DecodeSideBand splits a data packet's payload into its channel byte and
// remaining body. It is an error to call this on a non-Data packet or an
// empty payload.
func DecodeSideBand(pkt *Packet) (channel byte, body []byte, err error) {
	if pkt.Type != Data || len(pkt.Payload) == 0 {
		return 0, nil, giterrors.New(giterrors.MalformedPktLine, "cannot decode side-band from %s packet", pkt.Type)
	}
	return pkt.Payload[0], pkt.Payload[1:], nil
}
