package repair

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adamgarcia4/goLearning/antientropy/dht"
	"github.com/adamgarcia4/goLearning/antientropy/merkle"
)

func testDesc(parent *uuid.UUID) RepairJobDesc {
	return RepairJobDesc{
		SessionID:       uuid.New(),
		ParentSessionID: parent,
		Keyspace:        usersRef.Keyspace,
		Table:           usersRef.Table,
		Range:           dht.NewRange(-1000, 1000),
	}
}

func TestMessages_EncodeDecodeSyncRequest(t *testing.T) {
	parent := uuid.New()
	msg := &SyncRequest{
		Desc:      testDesc(&parent),
		Initiator: localEndpoint,
		Src:       peerEndpoint,
		Dst:       "10.0.0.3:7000",
		Ranges:    []dht.Range{dht.NewRange(-1000, 0), dht.NewRange(0, 1000)},
	}

	data, err := Encode(msg)
	require.NoError(t, err)

	tag, decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, SyncRequestType, tag)
	assert.Equal(t, msg, decoded)
}

func TestMessages_ValidationCompleteCarriesTree(t *testing.T) {
	desc := testDesc(nil)
	tree, err := merkle.New(desc.Range, 4)
	require.NoError(t, err)
	tree.Add(10, 0xdead)
	tree.Add(-500, 0xbeef)

	data, err := Encode(&ValidationComplete{Desc: desc, Success: true, Tree: tree})
	require.NoError(t, err)

	tag, decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ValidationCompleteType, tag)

	vc, ok := decoded.(*ValidationComplete)
	require.True(t, ok)
	assert.Nil(t, vc.Desc.ParentSessionID)
	require.NotNil(t, vc.Tree)
	assert.Equal(t, tree.Root(), vc.Tree.Root())
	assert.Equal(t, int64(2), vc.Tree.RowCount())
}

func TestDecode_UnknownTagIsOpaque(t *testing.T) {
	data := []byte(`{"type":"CLEANUP_MESSAGE","payload":{"parent_session_id":"x"}}`)

	tag, msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MessageType("CLEANUP_MESSAGE"), tag)

	opaque, ok := msg.(*OpaqueMessage)
	require.True(t, ok)
	assert.Equal(t, tag, opaque.Type())
	assert.JSONEq(t, `{"parent_session_id":"x"}`, string(opaque.Payload))

	again, err := Encode(opaque)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(again))
}

func TestDecode_RejectsPayloadOfAnotherType(t *testing.T) {
	// A SNAPSHOT payload declared as an ANTICOMPACTION_REQUEST.
	payload, err := json.Marshal(&SnapshotMessage{Desc: testDesc(nil)})
	require.NoError(t, err)
	data, err := json.Marshal(wireMessage{Type: AnticompactionRequestType, Payload: payload})
	require.NoError(t, err)

	tag, msg, err := Decode(data)
	assert.Equal(t, AnticompactionRequestType, tag)
	assert.Nil(t, msg)

	var mismatch *ProtocolMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, AnticompactionRequestType, mismatch.Declared)
	assert.Empty(t, mismatch.Actual)
}

// mislabel encodes msg's payload under another type's tag.
func mislabel(t *testing.T, declared MessageType, msg Message) []byte {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	data, err := json.Marshal(wireMessage{Type: declared, Payload: payload})
	require.NoError(t, err)
	return data
}

func TestDecode_RejectsPayloadMissingRequiredFields(t *testing.T) {
	snapshot := &SnapshotMessage{Desc: testDesc(nil)}

	tests := []struct {
		name     string
		declared MessageType
		payload  Message
	}{
		{"anticompaction as prepare", PrepareMessageType, &AnticompactionRequest{ParentSessionID: uuid.New()}},
		{"snapshot as sync request", SyncRequestType, snapshot},
		{"snapshot as validation request", ValidationRequestType, snapshot},
		{"snapshot as validation complete", ValidationCompleteType, snapshot},
		{"snapshot as sync complete", SyncCompleteType, snapshot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, msg, err := Decode(mislabel(t, tt.declared, tt.payload))
			assert.Equal(t, tt.declared, tag)
			assert.Nil(t, msg)

			var mismatch *ProtocolMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, tt.declared, mismatch.Declared)
			assert.Contains(t, err.Error(), "missing field")
		})
	}
}

func TestDecode_AcceptsEmptyListsThatArePresent(t *testing.T) {
	data, err := Encode(&PrepareMessage{ParentSessionID: uuid.New()})
	require.NoError(t, err)

	_, msg, err := Decode(data)
	require.NoError(t, err)
	prepare, ok := msg.(*PrepareMessage)
	require.True(t, ok)
	assert.Empty(t, prepare.Tables)
	assert.Empty(t, prepare.Ranges)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `prepare`},
		{"missing type", `{"payload":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tt.data))
			require.Error(t, err)

			var mismatch *ProtocolMismatchError
			assert.False(t, errors.As(err, &mismatch))
		})
	}
}

func TestRepairJobDesc_String(t *testing.T) {
	desc := testDesc(nil)
	assert.Contains(t, desc.String(), desc.SessionID.String())
	assert.Contains(t, desc.String(), "ks.users")
	assert.Equal(t, usersRef, desc.TableRef())
}
