package wm

import (
	"context"
	"errors"
	"slices"

	"github.com/danmuck/wmlink/internal/protocol/session"
)

var errTransport = errors.New("transport down")

// fakeKernel answers the agent commands the mirror sends and keeps the
// committed input records so get-all-input can replay them.
type fakeKernel struct {
	direct    bool
	inputID   string
	input     []session.Record
	output    []session.Record
	requests  []session.Request
	failNext  bool
	directOps []string
	// checkParents rejects an input batch whose add names a parent that is
	// neither the input link nor introduced earlier.
	checkParents bool
	// rejectAdds fails that many upcoming DirectAdd calls.
	rejectAdds int
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{inputID: "I2"}
}

func (k *fakeKernel) IsDirect() bool { return k.direct }

func (k *fakeKernel) SendAgentCommand(_ context.Context, req session.Request) (session.Response, error) {
	k.requests = append(k.requests, req)
	if k.failNext {
		k.failNext = false
		return session.Response{}, errTransport
	}
	switch req.Command {
	case session.CmdGetInputLink:
		return session.OK(session.Param{Key: session.ParamID, Value: k.inputID}), nil
	case session.CmdGetAllInput:
		resp := session.OK()
		resp.Records = slices.Clone(k.input)
		return resp, nil
	case session.CmdGetAllOutput:
		resp := session.OK()
		resp.Records = slices.Clone(k.output)
		return resp, nil
	case session.CmdInput:
		if k.checkParents {
			if resp, ok := k.validateParents(req.Records); !ok {
				return resp, nil
			}
		}
		for _, rec := range req.Records {
			k.apply(rec)
		}
		return session.OK(), nil
	default:
		return session.Failure("unknown command %q", req.Command), nil
	}
}

func (k *fakeKernel) apply(rec session.Record) {
	switch rec.Action {
	case session.ActionAdd:
		k.input = append(k.input, rec)
	case session.ActionRemove:
		k.input = slices.DeleteFunc(k.input, func(r session.Record) bool { return r.TimeTag == rec.TimeTag })
	}
}

func (k *fakeKernel) validateParents(recs []session.Record) (session.Response, bool) {
	known := map[string]bool{k.inputID: true}
	for _, r := range k.input {
		if r.Type == session.TypeIdentifier {
			known[r.Value] = true
		}
	}
	for i, rec := range recs {
		if rec.Action != session.ActionAdd {
			continue
		}
		if !known[rec.ID] {
			return session.Failure("record %d: unknown parent identifier: %s", i, rec.ID), false
		}
		if rec.Type == session.TypeIdentifier {
			known[rec.Value] = true
		}
	}
	return session.Response{}, true
}

func (k *fakeKernel) DirectAdd(_ string, rec session.Record) error {
	k.directOps = append(k.directOps, "add")
	if k.rejectAdds > 0 {
		k.rejectAdds--
		return errTransport
	}
	k.apply(rec)
	return nil
}

func (k *fakeKernel) DirectRemove(_ string, tag int64) error {
	k.directOps = append(k.directOps, "remove")
	k.apply(session.Record{Action: session.ActionRemove, TimeTag: tag})
	return nil
}

func (k *fakeKernel) sent(command string) int {
	n := 0
	for _, r := range k.requests {
		if r.Command == command {
			n++
		}
	}
	return n
}

// directOnlyTransport claims direct mode without implementing DirectKernel.
type directOnlyTransport struct{}

func (directOnlyTransport) IsDirect() bool { return true }

func (directOnlyTransport) SendAgentCommand(context.Context, session.Request) (session.Response, error) {
	return session.OK(), nil
}

func add(id, attr, value, typ string, tag int64) session.Record {
	return session.AddRecord(id, attr, value, typ, tag)
}

func remove(tag int64) session.Record {
	return session.RemoveRecord("?", "?", "?", "", tag)
}

func countActions(recs []session.Record) (adds, removes int) {
	for _, r := range recs {
		if r.Action == session.ActionAdd {
			adds++
		} else {
			removes++
		}
	}
	return adds, removes
}
