package pipeline

import (
	"context"
	"fmt"

	"github.com/fathima-sithara/realtime-service/internal/metrics"
	"github.com/fathima-sithara/realtime-service/internal/protocol"
)

// Inbound is a frame together with the session it arrived on.
type Inbound struct {
	SessionID string
	UserID    string
	Frame     protocol.Frame
}

// Stage inspects an inbound frame; a non-nil error rejects the frame and
// stops the pipeline.
type Stage interface {
	Name() string
	Inspect(ctx context.Context, in *Inbound) error
}

// Rejection records which stage refused a frame.
type Rejection struct {
	Stage string
	Err   error
}

func (r *Rejection) Error() string { return fmt.Sprintf("%s: %v", r.Stage, r.Err) }
func (r *Rejection) Unwrap() error { return r.Err }

type RejectHook func(in *Inbound, stage string, err error)

type Pipeline struct {
	stages   []Stage
	onReject RejectHook
}

func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// OnReject registers a hook called for every rejected frame.
func (p *Pipeline) OnReject(h RejectHook) *Pipeline {
	p.onReject = h
	return p
}

// Run passes the frame through every stage in order.
func (p *Pipeline) Run(ctx context.Context, in *Inbound) error {
	for _, st := range p.stages {
		if err := st.Inspect(ctx, in); err != nil {
			metrics.Rejections.WithLabelValues(st.Name()).Inc()
			if p.onReject != nil {
				p.onReject(in, st.Name(), err)
			}
			return &Rejection{Stage: st.Name(), Err: err}
		}
	}
	return nil
}
