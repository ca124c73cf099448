package wm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidArgument  = errors.New("wm: invalid argument")
	ErrAlreadyDestroyed = errors.New("wm: wme already destroyed")
	ErrRootWME          = errors.New("wm: root wme cannot be destroyed")
	ErrDuplicateEdge    = errors.New("wm: duplicate edge")
	ErrTypeMismatch     = errors.New("wm: value type mismatch")
	ErrReadOnly         = errors.New("wm: output link is kernel owned")
	ErrReentrant        = errors.New("wm: output batch already in progress")
	ErrNoInputLink      = errors.New("wm: kernel did not report an input link")
	ErrCommitPending    = errors.New("wm: uncommitted changes pending")
	// ErrDiverged means the kernel lost a WME the mirror still holds.
	ErrDiverged         = errors.New("wm: kernel input diverged from mirror")
)

// RecordError describes one rejected record inside a batch.
type RecordError struct {
	Index   int
	TimeTag TimeTag
	Reason  string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (tag %d): %s", e.Index, e.TimeTag, e.Reason)
}

// BatchError aggregates the record failures of one batch so they are reported once.
type BatchError struct {
	Op       string
	Failed   bool
	Problems []*RecordError
}

func (e *BatchError) Error() string {
	var b strings.Builder
	b.WriteString("wm: ")
	b.WriteString(e.Op)
	if e.Failed {
		b.WriteString(" failed")
	}
	fmt.Fprintf(&b, ": %d record problem(s)", len(e.Problems))
	for i, p := range e.Problems {
		if i == 3 {
			fmt.Fprintf(&b, "; +%d more", len(e.Problems)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(p.Error())
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	out := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = p
	}
	return out
}

func (e *BatchError) add(index int, tag TimeTag, format string, args ...any) {
	e.Problems = append(e.Problems, &RecordError{Index: index, TimeTag: tag, Reason: fmt.Sprintf(format, args...)})
}

func (e *BatchError) errOrNil() error {
	if e == nil || (len(e.Problems) == 0 && !e.Failed) {
		return nil
	}
	return e
}
