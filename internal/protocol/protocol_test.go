package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/planningpoker/internal/domain"
	"github.com/victornm/planningpoker/internal/errors"
	"github.com/victornm/planningpoker/internal/protocol"
)

func TestFrame_Event(t *testing.T) {
	e := domain.EventParticipantPointsUpdated{ParticipantID: "p1", Points: "5"}

	f, err := protocol.NewEvent("s1", e)
	require.NoError(t, err)

	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","name":"ParticipantPointsUpdated","session_id":"s1","payload":{"participant_id":"p1","points":"5"}}`, string(b))

	var got protocol.Frame
	require.NoError(t, json.Unmarshal(b, &got))
	ev, err := got.Event()
	require.NoError(t, err)
	assert.Equal(t, e, ev)

	_, err = protocol.Frame{Type: protocol.FrameResult}.Event()
	require.Error(t, err)
}

func TestFrame_Decode(t *testing.T) {
	f, err := protocol.NewCommand("r1", protocol.CommandUpdateSessionState, protocol.UpdateSessionStateRequest{
		SessionID: "s1",
		State:     domain.StateRevealed,
	})
	require.NoError(t, err)

	var req protocol.UpdateSessionStateRequest
	require.NoError(t, f.Decode(&req))
	assert.Equal(t, protocol.UpdateSessionStateRequest{SessionID: "s1", State: domain.StateRevealed}, req)

	f.Payload = json.RawMessage(`{"session_id":"s1","state":"Sideways"}`)
	err = f.Decode(&req)
	assert.True(t, errors.HasReason(err, errors.ReasonInvalidArgument), "got %v", err)
}

func TestError_RoundTrip(t *testing.T) {
	f := protocol.NewError("r1", protocol.CommandJoinSession, errors.SessionNotFound("s1"))
	require.Equal(t, protocol.FrameError, f.Type)
	assert.Equal(t, &protocol.Error{Code: "NotFound", Reason: errors.ReasonSessionNotFound, Message: "session s1 does not exist"}, f.Error)

	err := f.Error.Err()
	assert.True(t, errors.HasReason(err, errors.ReasonSessionNotFound))
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}
