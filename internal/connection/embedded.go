package connection

import (
	"context"

	"github.com/danmuck/wmlink/internal/kernel"
	"github.com/danmuck/wmlink/internal/protocol/session"
)

// Embedded binds a memory to an in-process kernel. With direct set, input
// mutations reach the kernel as they happen instead of at commit.
type Embedded struct {
	kernel  *kernel.Kernel
	agent   string
	direct  bool
	notices <-chan session.OutputNotice
	cancel  func()
}

func NewEmbedded(k *kernel.Kernel, agent string, direct bool) (*Embedded, error) {
	notices, cancel, err := k.Subscribe(agent)
	if err != nil {
		return nil, err
	}
	return &Embedded{
		kernel:  k,
		agent:   agent,
		direct:  direct,
		notices: notices,
		cancel:  cancel,
	}, nil
}

func (e *Embedded) Agent() string  { return e.agent }
func (e *Embedded) IsDirect() bool { return e.direct }

func (e *Embedded) SendAgentCommand(ctx context.Context, req session.Request) (session.Response, error) {
	if req.Agent == "" {
		req.Agent = e.agent
	}
	if err := req.Validate(); err != nil {
		return session.Response{}, err
	}
	return e.kernel.Handle(ctx, req.Agent, req), nil
}

func (e *Embedded) DirectAdd(agent string, rec session.Record) error {
	return e.kernel.DirectAdd(agent, rec)
}

func (e *Embedded) DirectRemove(agent string, tag int64) error {
	return e.kernel.DirectRemove(agent, tag)
}

func (e *Embedded) NextOutput(ctx context.Context) (session.OutputNotice, error) {
	select {
	case notice, ok := <-e.notices:
		if !ok {
			return session.OutputNotice{}, ErrSessionClosed
		}
		return notice, nil
	case <-ctx.Done():
		return session.OutputNotice{}, ctx.Err()
	}
}

func (e *Embedded) Close() error {
	e.cancel()
	return nil
}
