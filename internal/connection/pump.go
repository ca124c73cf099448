package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/wmlink/internal/protocol/session"
	"github.com/danmuck/wmlink/internal/wm"
	"github.com/rs/zerolog/log"
)

// OutputSource yields output notices in kernel order.
type OutputSource interface {
	NextOutput(ctx context.Context) (session.OutputNotice, error)
}

// Pump applies notices from src to mem until ctx ends or src fails. A
// batch that fails to reconcile is followed by a full output resync. A
// reinit notice refreshes mem; that fails with wm.ErrCommitPending when
// input was left uncommitted, and Pump returns the error.
// Nothing else may touch mem while Pump runs.
func Pump(ctx context.Context, src OutputSource, mem *wm.Memory) error {
	for {
		notice, err := src.NextOutput(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		}
		if notice.Reinit {
			if err := mem.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error().Err(err).Msgf("connection.Pump agent=%s refresh after reinit", mem.Agent())
				return fmt.Errorf("connection: refresh after reinit: %w", err)
			}
			log.Info().Msgf("connection.Pump agent=%s refreshed after reinit", mem.Agent())
			continue
		}
		report, err := mem.ReceiveOutput(notice.Records)
		if err == nil {
			continue
		}
		log.Warn().Err(err).Msgf("connection.Pump agent=%s added=%d removed=%d dropped=%d orphaned=%d",
			mem.Agent(), report.Added, report.Removed, report.Dropped, report.Orphaned)
		if !report.Failed {
			continue
		}
		if err := mem.SynchronizeOutput(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		mem.ClearError()
	}
}
