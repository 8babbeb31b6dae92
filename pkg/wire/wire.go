// Package wire implements the binary frames exchanged over a room
// websocket: a uvarint tag followed by the payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// Kind identifies a frame. Values are protocol constants.
type Kind uint64

const (
	// SyncStep1 carries the sender's state vector.
	SyncStep1 Kind = 0
	// SyncStep2 answers a SyncStep1 with the changes the asker misses.
	SyncStep2 Kind = 1
	// Update carries a document delta produced after the handshake.
	Update Kind = 2
	// Awareness carries ephemeral, never persisted, session metadata.
	Awareness Kind = 3
)

func (k Kind) String() string {
	switch k {
	case SyncStep1:
		return "sync-step-1"
	case SyncStep2:
		return "sync-step-2"
	case Update:
		return "update"
	case Awareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(k))
	}
}

var ErrMalformed = errors.New("wire: malformed frame")

type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode returns the frame bytes.
func Encode(kind Kind, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(payload))
	out = binary.AppendUvarint(out, uint64(kind))
	return append(out, payload...)
}

// Decode parses a frame. The payload aliases raw.
func Decode(raw []byte) (Frame, error) {
	tag, n := binary.Uvarint(raw)
	if n <= 0 {
		return Frame{}, fmt.Errorf("%w: bad tag", ErrMalformed)
	}
	kind := Kind(tag)
	if kind > Awareness {
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrMalformed, tag)
	}
	return Frame{Kind: kind, Payload: raw[n:]}, nil
}

// ReadFrame reads the next websocket message and decodes it. Non-binary
// messages are reported with ErrNotBinary.
func ReadFrame(conn *websocket.Conn) (Frame, error) {
	mt, p, err := conn.ReadMessage()
	if err != nil {
		return Frame{}, fmt.Errorf("failed to read message: %w", err)
	}
	if mt != websocket.BinaryMessage {
		return Frame{}, ErrNotBinary
	}
	return Decode(p)
}

var ErrNotBinary = errors.New("wire: non-binary message")

// WriteFrame writes one frame. gorilla connections allow a single
// concurrent writer; callers serialise.
func WriteFrame(conn *websocket.Conn, kind Kind, payload []byte) error {
	if err := conn.WriteMessage(websocket.BinaryMessage, Encode(kind, payload)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
