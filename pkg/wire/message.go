// Package wire encodes the messages exchanged between a coordinator and its
// remote workers with MessagePack.
package wire

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"piscale/pkg/reduce"
)

// Type names a message on the wire.
type Type string

const (
	// TypeJoin is sent by a worker to register with the coordinator.
	TypeJoin Type = "join"

	// TypeAssignment carries a worker's chunk and the kernel to run on it.
	TypeAssignment Type = "pi-job"

	// TypeData carries a worker's partial result.
	TypeData Type = "data"

	// TypeFailure reports that a worker could not compute its chunk.
	TypeFailure Type = "failure"

	// TypeClose tells a worker to terminate gracefully.
	TypeClose Type = "close"
)

// ErrMalformed is returned by Decode for payloads that are not a valid message.
var ErrMalformed = errors.New("malformed message")

// Message is the single envelope used for every message type.
// Fields that do not apply to a type are left zero.
type Message struct {
	Type     Type    `msgpack:"type"`
	WorkerID string  `msgpack:"workerId,omitempty"`
	Method   string  `msgpack:"method,omitempty"`
	Start    int64   `msgpack:"start,omitempty"`
	Size     int64   `msgpack:"size,omitempty"`
	Seed     uint64  `msgpack:"seed,omitempty"`
	Value    float64 `msgpack:"value,omitempty"`
	Error    string  `msgpack:"error,omitempty"`
}

// Chunk returns the chunk carried by an assignment.
func (m Message) Chunk() reduce.Chunk {
	return reduce.Chunk{Start: m.Start, Size: m.Size}
}

// Validate checks that the message type is known and that an assignment carries work.
func (m Message) Validate() error {
	switch m.Type {
	case TypeJoin, TypeData, TypeFailure, TypeClose:
		return nil
	case TypeAssignment:
		if m.Size <= 0 || m.Start < 0 {
			return fmt.Errorf("%w: assignment with chunk %s", ErrMalformed, m.Chunk())
		}
		if m.Method == "" {
			return fmt.Errorf("%w: assignment without method", ErrMalformed)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
}

// Encode validates and marshals a message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Join builds a worker's registration message.
func Join(id reduce.WorkerID) Message {
	return Message{Type: TypeJoin, WorkerID: string(id)}
}

// Assignment builds the message that hands a chunk to a worker.
// seed is forwarded to sampling kernels.
func Assignment(id reduce.WorkerID, method string, seed uint64, c reduce.Chunk) Message {
	return Message{Type: TypeAssignment, WorkerID: string(id), Method: method, Seed: seed, Start: c.Start, Size: c.Size}
}

// Data builds a partial result message.
func Data(id reduce.WorkerID, partial float64) Message {
	return Message{Type: TypeData, WorkerID: string(id), Value: partial}
}

// Failure builds a failure message from err.
func Failure(id reduce.WorkerID, err error) Message {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Message{Type: TypeFailure, WorkerID: string(id), Error: msg}
}

// Close builds the terminate message.
func Close(id reduce.WorkerID) Message {
	return Message{Type: TypeClose, WorkerID: string(id)}
}
