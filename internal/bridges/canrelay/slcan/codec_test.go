package slcan

import (
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

func TestBitrateCommand(t *testing.T) {
	tests := []struct {
		bitrate int
		want    string
		wantErr bool
	}{
		{125000, "S4\r", false},
		{500000, "S6\r", false},
		{1000000, "S8\r", false},
		{10000, "S0\r", false},
		{33333, "", true},
	}

	for _, tt := range tests {
		got, err := BitrateCommand(tt.bitrate)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedBitrate) {
				t.Errorf("BitrateCommand(%d) error = %v, want ErrUnsupportedBitrate", tt.bitrate, err)
			}
			continue
		}
		if err != nil || string(got) != tt.want {
			t.Errorf("BitrateCommand(%d) = %q, %v; want %q", tt.bitrate, got, err, tt.want)
		}
	}
}

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name string
		msg  canrelay.Message
		want string
	}{
		{"mapping query", canrelay.MappingQuery(1), "t1010\r"},
		{"output command on", canrelay.OutputCommand(0x15, true), "t515101\r"},
		{"output reply", canrelay.OutputReply(0x15, true), "t40021540\r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(EncodeFrame(tt.msg)); got != tt.want {
				t.Errorf("EncodeFrame() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantID  uint32
		want    []byte
		wantErr bool
	}{
		{"no data", "t1000", 0x100, []byte{}, false},
		{"two bytes", "t40021540", 0x400, []byte{0x15, 0x40}, false},
		{"lowercase hex", "t4002ab0c", 0x400, []byte{0xAB, 0x0C}, false},
		{"eight bytes", "t2008FF00000000000001", 0x200, []byte{0xFF, 0, 0, 0, 0, 0, 0, 0x01}, false},
		{"too short", "t10", 0, nil, true},
		{"extended frame", "T000001001", 0, nil, true},
		{"bad identifier", "tXYZ0", 0, nil, true},
		{"length too big", "t1009", 0, nil, true},
		{"length mismatch", "t100215", 0, nil, true},
		{"bad hex", "t1001ZZ", 0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeFrame([]byte(tt.line))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedLine) {
					t.Errorf("DecodeFrame(%q) error = %v, want ErrMalformedLine", tt.line, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame(%q) error: %v", tt.line, err)
			}
			want, _ := canrelay.NewMessage(tt.wantID, tt.want...)
			if !msg.Equal(want) {
				t.Errorf("DecodeFrame(%q) = %s, want %s", tt.line, msg, want)
			}
		})
	}
}

func TestEncodeDecodeClassifies(t *testing.T) {
	msg := canrelay.MappingReply(0, 0x03, 0x15)
	line := EncodeFrame(msg)

	decoded, err := DecodeFrame(line[:len(line)-1])
	if err != nil {
		t.Fatalf("DecodeFrame() error: %v", err)
	}
	f := canrelay.ParseFrame(decoded)
	if f.Kind != canrelay.FrameMappingReply {
		t.Fatalf("Kind = %s, want mapping reply", f.Kind)
	}
	if len(f.NodeIDs) != 2 || f.NodeIDs[0] != 0x03 || f.NodeIDs[1] != 0x15 {
		t.Errorf("NodeIDs = %v, want [3 21]", f.NodeIDs)
	}
}
