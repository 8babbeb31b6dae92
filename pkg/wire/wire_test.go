package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		payload []byte
	}{
		{name: "step1", kind: SyncStep1, payload: []byte{1, 2, 3}},
		{name: "step2 empty", kind: SyncStep2, payload: nil},
		{name: "update", kind: Update, payload: bytes.Repeat([]byte{0xff}, 300)},
		{name: "awareness", kind: Awareness, payload: []byte(`{"cursor":4}`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := Encode(tc.kind, tc.payload)
			if raw[0] != byte(tc.kind) {
				t.Fatalf("expected leading tag %d, got %d", tc.kind, raw[0])
			}
			f, err := Decode(raw)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Kind != tc.kind || !bytes.Equal(f.Payload, tc.payload) {
				t.Fatalf("got %v %x", f.Kind, f.Payload)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	for _, raw := range [][]byte{nil, {0x80}, {0x04, 0x00}, {0x80, 0x01}} {
		if _, err := Decode(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %x, got %v", raw, err)
		}
	}
}

func TestKindString(t *testing.T) {
	if Update.String() != "update" || Kind(9).String() != "unknown(9)" {
		t.Fatalf("unexpected kind names %q %q", Update, Kind(9))
	}
}
