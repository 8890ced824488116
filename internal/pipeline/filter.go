package pipeline

import (
	"context"

	"github.com/fathima-sithara/realtime-service/internal/apperror"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

// Filter admits SEND frames only for allow-listed destinations and
// subscription frames only for well-formed outbound topics.
type Filter struct{}

func NewFilter() *Filter { return &Filter{} }

func (f *Filter) Name() string { return "filter" }

func (f *Filter) Inspect(_ context.Context, in *Inbound) error {
	switch in.Frame.Command {
	case protocol.CommandSend:
		if !protocol.IsInboundDestination(in.Frame.Destination) {
			return apperror.Validation("destination %q is not allowed", in.Frame.Destination)
		}
	case protocol.CommandSubscribe, protocol.CommandUnsubscribe:
		if _, _, ok := protocol.ParseTopic(in.Frame.Destination); !ok {
			return apperror.Validation("invalid topic %q", in.Frame.Destination)
		}
	default:
		return apperror.Validation("unknown command %q", in.Frame.Command)
	}
	return nil
}
