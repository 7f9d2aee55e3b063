package channel

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/logging"
)

// PingURI is the resource remote parties ping to check liveness.
const PingURI = "/ping"

// ReplyPingModule answers get /ping requests on the channel it was built
// for. The request is consumed and never reaches ReceiveCommand.
type ReplyPingModule struct {
	ch *Channel
}

var _ Module[*envelope.Command] = (*ReplyPingModule)(nil)

// NewReplyPingModule returns a module replying to pings received on ch.
func NewReplyPingModule(ch *Channel) *ReplyPingModule {
	return &ReplyPingModule{ch: ch}
}

// OnSending implements Module.
func (m *ReplyPingModule) OnSending(_ context.Context, cmd *envelope.Command) (*envelope.Command, error) {
	return cmd, nil
}

// OnReceiving implements Module.
func (m *ReplyPingModule) OnReceiving(ctx context.Context, cmd *envelope.Command) (*envelope.Command, error) {
	if !isPingRequest(cmd) {
		return cmd, nil
	}

	resp := cmd.SuccessResponse()
	resp.Type = envelope.MediaTypePing
	resp.Resource = json.RawMessage(`{}`)
	if err := m.ch.SendCommand(ctx, resp); err != nil {
		m.ch.log().Warn("ping reply failed", logging.KeyEnvelopeID, cmd.ID, logging.KeyError, err)
	}
	return nil, nil
}

// OnStateChanged implements Module.
func (m *ReplyPingModule) OnStateChanged(context.Context, envelope.SessionState) {}

func isPingRequest(cmd *envelope.Command) bool {
	return cmd.Status == "" &&
		cmd.Method == envelope.MethodGet &&
		strings.EqualFold(strings.TrimSuffix(cmd.URI, "/"), PingURI)
}

// NewPingCommand builds a get /ping request.
func NewPingCommand() *envelope.Command {
	return envelope.NewCommand(envelope.MethodGet, PingURI)
}
