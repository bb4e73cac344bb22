package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

// Line protocol bytes.
const (
	// CR terminates every command, response and frame line.
	CR = '\r'

	// BEL is the adapter's error reply.
	BEL = 0x07

	// frameStandard prefixes a data frame with an 11-bit identifier.
	frameStandard = 't'

	// maxLineLen is the longest line an adapter sends: an extended frame
	// with eight data bytes and a timestamp.
	maxLineLen = 1 + 8 + 1 + 2*canrelay.MaxDataLen + 4
)

// Adapter commands.
var (
	cmdClose = []byte("C\r")
	cmdOpen  = []byte("O\r")
)

// Codec errors.
var (
	// ErrUnsupportedBitrate is returned for a bus bit rate with no S-code.
	ErrUnsupportedBitrate = errors.New("slcan: unsupported bitrate")

	// ErrMalformedLine is returned for a frame line that cannot be decoded.
	ErrMalformedLine = errors.New("slcan: malformed frame line")
)

// bitrateCodes maps bus bit rates to the S-command digit.
var bitrateCodes = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// BitrateCommand returns the S command that sets the bus bit rate, e.g.
// "S4\r" for 125 kbit/s.
func BitrateCommand(bitrate int) ([]byte, error) {
	code, ok := bitrateCodes[bitrate]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitrate, bitrate)
	}
	return []byte{'S', code, CR}, nil
}

// EncodeFrame renders a message as a transmit line, e.g. "t41521540\r".
func EncodeFrame(m canrelay.Message) []byte {
	data := m.Data()
	line := make([]byte, 0, 6+2*len(data))
	line = append(line, frameStandard)
	line = append(line, fmt.Sprintf("%03X%d", m.ID(), len(data))...)
	line = append(line, hexUpper(data)...)
	return append(line, CR)
}

// DecodeFrame parses a received frame line without its terminator.
func DecodeFrame(line []byte) (canrelay.Message, error) {
	if len(line) < 5 || line[0] != frameStandard {
		return canrelay.Message{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}

	id, err := strconv.ParseUint(string(line[1:4]), 16, 32)
	if err != nil {
		return canrelay.Message{}, fmt.Errorf("%w: identifier %q", ErrMalformedLine, line[1:4])
	}

	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > canrelay.MaxDataLen {
		return canrelay.Message{}, fmt.Errorf("%w: length %q", ErrMalformedLine, line[4])
	}

	payload := line[5:]
	if len(payload) != 2*dlc {
		return canrelay.Message{}, fmt.Errorf("%w: %d data chars for length %d", ErrMalformedLine, len(payload), dlc)
	}

	data := make([]byte, dlc)
	if _, err := hex.Decode(data, payload); err != nil {
		return canrelay.Message{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	return canrelay.NewMessage(uint32(id), data...)
}

func hexUpper(b []byte) []byte {
	const digits = "0123456789ABCDEF"
	out := make([]byte, 2*len(b))
	for i, v := range b {
		out[2*i] = digits[v>>4]
		out[2*i+1] = digits[v&0x0F]
	}
	return out
}
