package wm

import (
	"context"
	"fmt"

	"github.com/danmuck/wmlink/internal/protocol/session"
)

// Transport is the connection contract the mirror depends on.
type Transport interface {
	SendAgentCommand(ctx context.Context, req session.Request) (session.Response, error)
	IsDirect() bool
}

// DirectKernel is implemented by transports whose IsDirect reports true.
// Each input mutation is applied to kernel memory immediately.
type DirectKernel interface {
	DirectAdd(agent string, rec session.Record) error
	DirectRemove(agent string, tag int64) error
}

// applier is chosen once in New. Mutators call it after (add, update) or
// before (remove) the structural change.
type applier interface {
	added(w *WME) error
	updated(w *WME, old session.Record) error
	removed(w *WME, old session.Record) error
	queued() *ledger
}

type queuedApplier struct {
	ledger *ledger
}

func (q *queuedApplier) added(w *WME) error {
	q.ledger.add(w)
	return nil
}

func (q *queuedApplier) updated(w *WME, old session.Record) error {
	q.ledger.update(w, old)
	return nil
}

func (q *queuedApplier) removed(w *WME, old session.Record) error {
	q.ledger.remove(w, old)
	return nil
}

func (q *queuedApplier) queued() *ledger { return q.ledger }

type directApplier struct {
	agent  string
	kernel DirectKernel
}

func (d *directApplier) added(w *WME) error {
	return d.kernel.DirectAdd(d.agent, w.record(session.ActionAdd))
}

// updated re-adds the old record when the kernel rejects the new one, so the
// caller's rollback matches the kernel. A failed re-add wraps ErrDiverged.
func (d *directApplier) updated(w *WME, old session.Record) error {
	if err := d.kernel.DirectRemove(d.agent, old.TimeTag); err != nil {
		return err
	}
	err := d.kernel.DirectAdd(d.agent, w.record(session.ActionAdd))
	if err == nil {
		return nil
	}
	restore := old
	restore.Action = session.ActionAdd
	if rerr := d.kernel.DirectAdd(d.agent, restore); rerr != nil {
		return fmt.Errorf("%w: tag %d: %v (restore: %v)", ErrDiverged, old.TimeTag, err, rerr)
	}
	return err
}

func (d *directApplier) removed(_ *WME, old session.Record) error {
	return d.kernel.DirectRemove(d.agent, old.TimeTag)
}

func (d *directApplier) queued() *ledger { return nil }
