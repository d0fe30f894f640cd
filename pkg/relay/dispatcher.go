package relay

import (
	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

// HandleMessage is the single inbound demultiplexer: every relay message
// lands here and is routed by event name and id into the pending-call,
// stream-session, or upload table. Unknown ids fall through silently;
// that is the normal fate of duplicate and late messages. Malformed
// envelopes are dropped without disturbing anything else.
func (c *Client) HandleMessage(from bus.Address, payload []byte) {
	env, err := protocol.Decode(payload)
	if err != nil {
		c.log.Debug("dropping malformed envelope",
			zap.String("from", string(from)), zap.Error(err))
		return
	}
	switch env.Event {
	case protocol.EventResponse:
		c.resolvePending(env)
	case protocol.EventResponseBegin:
		c.streamBegin(env)
	case protocol.EventResponseChunk:
		c.streamChunk(env)
	case protocol.EventResponseLines:
		c.streamLines(env)
	case protocol.EventResponseEnd:
		c.streamEnd(env)
	case protocol.EventUploadMissing:
		c.resendMissing(env)
	default:
		// request-family events are relay-bound; a client ignores them
	}
}
