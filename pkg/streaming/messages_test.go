package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feltcanvas/felt/pkg/core"
)

func TestEncode_WrapsPayloadInEnvelope(t *testing.T) {
	data, err := Encode(TypeIncrement, IncrementRequest{RequestID: "r1"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, TypeIncrement, env.Type)

	var req IncrementRequest
	require.NoError(t, Decode(env, &req))
	assert.Equal(t, "r1", req.RequestID)
}

func TestDecode_BadPayload(t *testing.T) {
	err := Decode(Envelope{Type: TypeOp, Payload: json.RawMessage(`"nope"`)}, &OpPayload{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op")
}

func TestSetOp_EncodesValue(t *testing.T) {
	op, err := SetOp("s1", core.FieldPosition, core.Position{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, OpSet, op.Kind)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(op.Value))
}

func TestSetOp_UnencodableValue(t *testing.T) {
	_, err := SetOp("s1", core.FieldColor, make(chan int))
	require.Error(t, err)
}

func TestCreateOp_CopiesRecord(t *testing.T) {
	rec := core.ShapeRecord{ID: "s1", Users: []string{"u1"}}
	op := CreateOp(rec)
	rec.Users[0] = "changed"

	require.NotNil(t, op.Shape)
	assert.Equal(t, "s1", op.ID)
	assert.Equal(t, []string{"u1"}, op.Shape.Users)
}

func TestUserOps_WireForm(t *testing.T) {
	data, err := json.Marshal(OpRequest{ClientSeq: 4, Op: AddUserOp("s1", "alice")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientSeq":4,"op":{"kind":"add_user","id":"s1","user":"alice"}}`, string(data))

	op := RemoveUserOp("s1", "bob")
	assert.Equal(t, OpRemoveUser, op.Kind)
	assert.Equal(t, "bob", op.User)
}
