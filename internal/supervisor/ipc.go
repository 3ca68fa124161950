package supervisor

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType enumerates the IPC messages exchanged between Supervisor and
// its child over the length-prefixed JSON frame (spec.md §4.1, EXPANSION:
// a concrete wire framing for the spec's abstract "IPC channel").
type MessageType string

const (
	MsgPlannedRestart MessageType = "planned_restart"
	MsgRestartAck     MessageType = "restart_ack"
	MsgError          MessageType = "error"
)

// Message is one IPC frame's payload. Checkpoint is set on planned_restart;
// Text carries the reply reason on error.
type Message struct {
	Type       MessageType `json:"type"`
	Checkpoint string      `json:"checkpoint,omitempty"`
	Text       string      `json:"message,omitempty"`
}

// maxFrameSize bounds a single frame so a malformed length prefix can't
// trigger an unbounded allocation.
const maxFrameSize = 1 << 20 // 1 MiB

// WriteMessage frames msg as a 4-byte big-endian length prefix followed by
// its JSON encoding, and writes it to w.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("supervisor: marshal ipc message: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("supervisor: write ipc length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("supervisor: write ipc frame: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed JSON frame from r. It returns
// io.EOF unwrapped when r is closed cleanly between frames, so callers can
// treat it the same as any other read-loop termination.
func ReadMessage(r io.Reader) (Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Message{}, fmt.Errorf("supervisor: truncated ipc length prefix: %w", err)
		}
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return Message{}, fmt.Errorf("supervisor: ipc frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return Message{}, fmt.Errorf("supervisor: truncated ipc frame: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("supervisor: unmarshal ipc frame: %w", err)
	}
	return msg, nil
}
