package content

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper purges expired drafts every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PurgeExpiredDrafts(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("draft sweep failed", zap.Error(err))
			}
		}
	}
}
