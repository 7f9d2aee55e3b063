package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to SessionState
		want     bool
	}{
		{SessionStateNew, SessionStateNegotiating, true},
		{SessionStateNew, SessionStateAuthenticating, true},
		{SessionStateNegotiating, SessionStateAuthenticating, true},
		{SessionStateAuthenticating, SessionStateEstablished, true},
		{SessionStateEstablished, SessionStateFinishing, true},
		{SessionStateEstablished, SessionStateFinished, true},
		{SessionStateFinishing, SessionStateFinished, true},
		{SessionStateNegotiating, SessionStateFailed, true},
		{SessionStateEstablished, SessionStateFailed, true},
		{SessionStateEstablished, SessionStateNegotiating, false},
		{SessionStateAuthenticating, SessionStateAuthenticating, false},
		{SessionStateFinished, SessionStateFailed, false},
		{SessionStateFailed, SessionStateFinished, false},
		{SessionStateNew, SessionState("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestMessage_Notify(t *testing.T) {
	m := NewTextMessage(MustParseNode("bob@example.org"), "hi")
	m.From = MustParseNode("alice@example.org/home")

	n := m.Notify(EventReceived)
	assert.Equal(t, m.ID, n.ID)
	assert.Equal(t, "alice@example.org/home", n.To.String())
	assert.Equal(t, EventReceived, n.Event)

	m.Pp = MustParseNode("postmaster@example.org/#hub")
	assert.Equal(t, "postmaster@example.org/#hub", m.Notify(EventConsumed).To.String())
}

func TestMessage_Text(t *testing.T) {
	m := NewTextMessage(nil, `quote "me"`)
	require.NotEmpty(t, m.ID)
	s, err := m.Text()
	require.NoError(t, err)
	assert.Equal(t, `quote "me"`, s)
}

func TestMessage_CloneIsIndependent(t *testing.T) {
	m := NewTextMessage(MustParseNode("bob@example.org"), "hi")
	m.SetMetadata("k", "v")

	c := m.Clone()
	c.SetMetadata("k", "changed")
	c.To.Name = "carol"

	v, _ := m.GetMetadata("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, "bob", m.To.Name)
}

func TestClone_EveryKind(t *testing.T) {
	from := MustParseNode("alice@example.org/home")
	cmd := NewCommand(MethodSet, "/presence")
	cmd.From = from
	cmd.Resource = []byte(`{"status":"available"}`)
	cmd.Reason = &Reason{Code: 1, Description: "d"}

	envelopes := []Envelope{
		NewTextMessage(from, "hi"),
		NewFailedNotification("m1", from, &Reason{Code: ReasonCommandProcessingError}),
		cmd,
		&Session{
			Header:            Header{ID: "s1", From: from},
			State:             SessionStateNegotiating,
			EncryptionOptions: []SessionEncryption{EncryptionNone, EncryptionTLS},
			Reason:            &Reason{Code: 2},
		},
	}
	for _, e := range envelopes {
		t.Run(KindOf(e), func(t *testing.T) {
			c := Clone(e)
			assert.Equal(t, e, c)
			assert.NotSame(t, e, c)

			c.EnvelopeHeader().SetMetadata("k", "v")
			c.EnvelopeHeader().Pp = MustParseNode("relay@example.org")
			assert.Nil(t, e.EnvelopeHeader().Metadata)
			assert.Nil(t, e.EnvelopeHeader().Pp)
		})
	}

	c := cmd.Clone()
	c.Resource[2] = 'X'
	c.Reason.Code = 99
	assert.Equal(t, `{"status":"available"}`, string(cmd.Resource))
	assert.Equal(t, 1, cmd.Reason.Code)
}

func TestCommand_Responses(t *testing.T) {
	req := NewCommand(MethodGet, "/ping")
	req.From = MustParseNode("alice@example.org/home")
	assert.False(t, req.IsResponse())

	ok := req.SuccessResponse()
	assert.Equal(t, req.ID, ok.ID)
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.True(t, ok.IsResponse())
	assert.Equal(t, "alice@example.org/home", ok.To.String())

	fail := req.FailureResponse(&Reason{Code: ReasonCommandProcessingError})
	assert.Equal(t, StatusFailure, fail.Status)
	assert.Equal(t, ReasonCommandProcessingError, fail.Reason.Code)

	pending := &Command{Status: StatusPending}
	assert.False(t, pending.IsResponse())
}

func TestHeader_Sender(t *testing.T) {
	h := Header{From: MustParseNode("a@b.com")}
	assert.Equal(t, "a@b.com", h.Sender().String())
	h.Pp = MustParseNode("c@b.com")
	assert.Equal(t, "c@b.com", h.Sender().String())
}
