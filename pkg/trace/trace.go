// Package trace records provisioning sessions as a stream of CBOR-encoded events. A trace holds
// every PDU exchanged and every state change, which is enough to replay a session offline.
//
// Authentication values and decrypted provisioning data never appear in a trace: the PDUs are
// recorded as sent on the wire, where the provisioning data is encrypted.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a PDU relative to the local node.
type Direction uint8

const (
	DirectionNone Direction = iota
	DirectionIn
	DirectionOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	}
	return "-"
}

// Kind classifies an event.
type Kind uint8

const (
	KindPDU Kind = iota
	KindState
	KindInput
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindPDU:
		return "PDU"
	case KindState:
		return "STATE"
	case KindInput:
		return "INPUT"
	case KindResult:
		return "RESULT"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Event is one entry of a trace.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	SessionID string    `cbor:"2,keyasint"`
	Kind      Kind      `cbor:"3,keyasint"`
	Direction Direction `cbor:"4,keyasint,omitempty"`
	// Opcode is the PDU type, or -1 for events that are not PDUs.
	Opcode  int    `cbor:"5,keyasint"`
	Payload []byte `cbor:"6,keyasint,omitempty"`
	State   string `cbor:"7,keyasint,omitempty"`
	Reason  string `cbor:"8,keyasint,omitempty"`
	Peer    string `cbor:"9,keyasint,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case KindPDU:
		return fmt.Sprintf("%s %s %s op=0x%02x %x", e.Timestamp.Format(time.RFC3339Nano), e.SessionID, e.Direction, e.Opcode, e.Payload)
	case KindResult:
		return fmt.Sprintf("%s %s %s state=%s reason=%s", e.Timestamp.Format(time.RFC3339Nano), e.SessionID, e.Kind, e.State, e.Reason)
	}
	return fmt.Sprintf("%s %s %s state=%s", e.Timestamp.Format(time.RFC3339Nano), e.SessionID, e.Kind, e.State)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	if encMode, err = encOpts.EncMode(); err != nil {
		panic(fmt.Sprintf("trace: CBOR encoder options: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(fmt.Sprintf("trace: CBOR decoder options: %v", err))
	}
}

// Encode returns the CBOR encoding of e.
func Encode(e Event) ([]byte, error) {
	return encMode.Marshal(e)
}

// Decode parses one CBOR-encoded event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := decMode.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Recorder receives trace events. Implementations must be safe for concurrent use; a Recorder is
// shared by all sessions of a provisioner.
type Recorder interface {
	Record(Event)
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) Record(Event) {}

// Buffer keeps events in memory.
type Buffer struct {
	lock   sync.Mutex
	events []Event
}

func (b *Buffer) Record(e Event) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.events = append(b.events, e)
}

// Events returns a copy of the recorded events.
func (b *Buffer) Events() []Event {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Event{}, b.events...)
}

// FileRecorder appends events to a file.
type FileRecorder struct {
	lock    sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
	err     error
}

// NewFileRecorder opens (or creates) filename for appending.
func NewFileRecorder(filename string) (*FileRecorder, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &FileRecorder{file: f, encoder: encMode.NewEncoder(f)}, nil
}

// Record writes e. A write failure is kept and reported by Err; recording never interrupts a
// session.
func (r *FileRecorder) Record(e Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed || r.err != nil {
		return
	}
	r.err = r.encoder.Encode(e)
}

// Err returns the first write error.
func (r *FileRecorder) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.err
}

// Close closes the file. Repeated calls return nil.
func (r *FileRecorder) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// ReadAll decodes events from r until EOF.
func ReadAll(r io.Reader) ([]Event, error) {
	decoder := decMode.NewDecoder(r)
	var events []Event
	for {
		var e Event
		err := decoder.Decode(&e)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
}

// ReadFile decodes all events stored in filename.
func ReadFile(filename string) ([]Event, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}
