package repair

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/merkle"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

// MessageType tags every repair message on the wire.
type MessageType string

const (
	PrepareMessageType        MessageType = "PREPARE_MESSAGE"
	SnapshotMessageType       MessageType = "SNAPSHOT"
	ValidationRequestType     MessageType = "VALIDATION_REQUEST"
	SyncRequestType           MessageType = "SYNC_REQUEST"
	AnticompactionRequestType MessageType = "ANTICOMPACTION_REQUEST"

	// Session-control messages, forwarded to the SessionHandler.
	ValidationCompleteType MessageType = "VALIDATION_COMPLETE"
	SyncCompleteType       MessageType = "SYNC_COMPLETE"
)

// RepairJobDesc identifies one unit of repair work: a table and a range
// within a session.
type RepairJobDesc struct {
	SessionID       uuid.UUID  `json:"session_id"`
	ParentSessionID *uuid.UUID `json:"parent_session_id,omitempty"`
	Keyspace        string     `json:"keyspace"`
	Table           string     `json:"table"`
	Range           dht.Range  `json:"range"`
}

func (d RepairJobDesc) TableRef() storage.TableRef {
	return storage.TableRef{Keyspace: d.Keyspace, Table: d.Table}
}

func (d RepairJobDesc) String() string {
	return fmt.Sprintf("[repair #%s on %s.%s, %s]", d.SessionID, d.Keyspace, d.Table, d.Range)
}

// Message is a repair protocol message. The set of implementations is closed.
type Message interface {
	Type() MessageType
	isRepairMessage()
}

type PrepareMessage struct {
	ParentSessionID uuid.UUID          `json:"parent_session_id"`
	Tables          []storage.TableRef `json:"tables"`
	Ranges          []dht.Range        `json:"ranges"`
}

type SnapshotMessage struct {
	Desc RepairJobDesc `json:"desc"`
}

type ValidationRequest struct {
	Desc     RepairJobDesc `json:"desc"`
	GCBefore int64         `json:"gc_before"` // unix seconds
}

// SyncRequest asks Src and Dst to exchange the data of Ranges. Initiator
// receives the SyncComplete.
type SyncRequest struct {
	Desc      RepairJobDesc `json:"desc"`
	Initiator string        `json:"initiator"`
	Src       string        `json:"src"`
	Dst       string        `json:"dst"`
	Ranges    []dht.Range   `json:"ranges"`
}

type AnticompactionRequest struct {
	ParentSessionID uuid.UUID `json:"parent_session_id"`
}

// ValidationComplete reports a validator's digest. Tree is nil on failure.
type ValidationComplete struct {
	Desc    RepairJobDesc `json:"desc"`
	Success bool          `json:"success"`
	Tree    *merkle.Tree  `json:"tree,omitempty"`
}

type SyncComplete struct {
	Desc      RepairJobDesc `json:"desc"`
	Endpoints [2]string     `json:"endpoints"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// OpaqueMessage carries a session-control message this node has no type for.
type OpaqueMessage struct {
	Tag     MessageType
	Payload json.RawMessage
}

func (*PrepareMessage) Type() MessageType        { return PrepareMessageType }
func (*SnapshotMessage) Type() MessageType       { return SnapshotMessageType }
func (*ValidationRequest) Type() MessageType     { return ValidationRequestType }
func (*SyncRequest) Type() MessageType           { return SyncRequestType }
func (*AnticompactionRequest) Type() MessageType { return AnticompactionRequestType }
func (*ValidationComplete) Type() MessageType    { return ValidationCompleteType }
func (*SyncComplete) Type() MessageType          { return SyncCompleteType }
func (m *OpaqueMessage) Type() MessageType       { return m.Tag }

func (*PrepareMessage) isRepairMessage()        {}
func (*SnapshotMessage) isRepairMessage()       {}
func (*ValidationRequest) isRepairMessage()     {}
func (*SyncRequest) isRepairMessage()           {}
func (*AnticompactionRequest) isRepairMessage() {}
func (*ValidationComplete) isRepairMessage()    {}
func (*SyncComplete) isRepairMessage()          {}
func (*OpaqueMessage) isRepairMessage()         {}

// requiredFields lists the payload keys each variant must carry. A payload of
// another variant whose fields happen to be a subset still fails the check.
var requiredFields = map[MessageType][]string{
	PrepareMessageType:        {"parent_session_id", "tables", "ranges"},
	SnapshotMessageType:       {"desc"},
	ValidationRequestType:     {"desc", "gc_before"},
	SyncRequestType:           {"desc", "initiator", "src", "dst", "ranges"},
	AnticompactionRequestType: {"parent_session_id"},
	ValidationCompleteType:    {"desc", "success"},
	SyncCompleteType:          {"desc", "endpoints", "success"},
}

func checkRequired(tag MessageType, payload json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}
	for _, name := range requiredFields[tag] {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("missing field %q", name)
		}
	}
	return nil
}

type wireMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message with its type tag.
func Encode(msg Message) ([]byte, error) {
	var payload json.RawMessage
	if opaque, ok := msg.(*OpaqueMessage); ok {
		payload = opaque.Payload
	} else {
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
		}
		payload = data
	}
	return json.Marshal(wireMessage{Type: msg.Type(), Payload: payload})
}

// Decode returns the declared tag and the decoded message. Payloads are
// decoded strictly: unknown fields and missing required fields both make a
// *ProtocolMismatchError. Unknown tags decode to *OpaqueMessage.
func Decode(data []byte) (MessageType, Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return "", nil, fmt.Errorf("decode repair message: %w", err)
	}
	if wire.Type == "" {
		return "", nil, fmt.Errorf("decode repair message: missing type")
	}

	var msg Message
	switch wire.Type {
	case PrepareMessageType:
		msg = &PrepareMessage{}
	case SnapshotMessageType:
		msg = &SnapshotMessage{}
	case ValidationRequestType:
		msg = &ValidationRequest{}
	case SyncRequestType:
		msg = &SyncRequest{}
	case AnticompactionRequestType:
		msg = &AnticompactionRequest{}
	case ValidationCompleteType:
		msg = &ValidationComplete{}
	case SyncCompleteType:
		msg = &SyncComplete{}
	default:
		return wire.Type, &OpaqueMessage{Tag: wire.Type, Payload: wire.Payload}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(wire.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return wire.Type, nil, &ProtocolMismatchError{Declared: wire.Type, Cause: err}
	}
	if err := checkRequired(wire.Type, wire.Payload); err != nil {
		return wire.Type, nil, &ProtocolMismatchError{Declared: wire.Type, Cause: err}
	}
	return wire.Type, msg, nil
}
