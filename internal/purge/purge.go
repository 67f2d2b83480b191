// Package purge enforces the retention windows on the operational sets:
// stage records, projection tasks, rejection reports, and expired
// provisional identity links. Views, references, key indexes, and root
// snapshots are never purged.
package purge

import (
	"context"
	"time"

	"github.com/flowcanon/flowcanon/internal/debug"
	"github.com/flowcanon/flowcanon/internal/pipeline"
	"github.com/flowcanon/flowcanon/internal/sets"
	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/types"
)

// Service is the retention loop.
type Service struct {
	p *pipeline.Context
}

// NewService creates the purge service.
func NewService(p *pipeline.Context) *Service {
	return &Service{p: p}
}

// Run purges on the configured interval until the context is cancelled.
// Does nothing when purging is disabled.
func (s *Service) Run(ctx context.Context) error {
	if !s.p.Options.PurgeEnabled {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.p.Options.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if n, err := s.Pass(ctx); err != nil {
			debug.Warnf("purge pass: %v", err)
		} else if n > 0 {
			debug.Logf("purge: removed %d expired documents", n)
		}
	}
}

// Pass runs one purge sweep over every model and returns the number of
// documents removed.
func (s *Service) Pass(ctx context.Context) (int, error) {
	now := s.p.Now()
	total := 0
	for _, model := range s.p.Registry.Models() {
		windows := []struct {
			kind sets.Kind
			ttl  time.Duration
		}{
			{sets.StageIntake, s.p.Options.IntakeTTL},
			{sets.StageKeyed, s.p.Options.KeyedTTL},
			{sets.StageParked, s.p.Options.ParkedTTL},
			{sets.Tasks, s.p.Options.ProjectionTaskTTL},
			{sets.Rejections, s.p.Options.RejectionReportTTL},
		}
		for _, w := range windows {
			if w.ttl <= 0 {
				continue
			}
			n, err := s.purgeSet(ctx, sets.Name(model.Name, w.kind), now.Add(-w.ttl))
			if err != nil {
				return total, err
			}
			total += n
		}
		n, err := s.purgeExpiredLinks(ctx, sets.Name(model.Name, sets.IdentityLink), now)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// purgeSet removes every document in the set older than the cutoff, using
// the store's update timestamp so re-touched documents get a fresh window.
// Expired ids are collected first so deletions cannot shift pages mid-scan.
func (s *Service) purgeSet(ctx context.Context, set string, cutoff time.Time) (int, error) {
	var expired []string
	for page := 1; ; page++ {
		docs, err := s.p.Store.Page(ctx, set, page, s.p.Options.BatchSize)
		if err != nil {
			return 0, err
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			if doc.UpdatedAt.Before(cutoff) {
				expired = append(expired, doc.ID)
			}
		}
	}
	return s.deleteAll(ctx, set, expired)
}

// purgeExpiredLinks removes provisional identity links past their expiry.
// Confirmed links have no expiry and are kept forever.
func (s *Service) purgeExpiredLinks(ctx context.Context, set string, now time.Time) (int, error) {
	var expired []string
	for page := 1; ; page++ {
		links, err := storage.PageOf[types.IdentityLink](ctx, s.p.Store, set, page, s.p.Options.BatchSize)
		if err != nil {
			return 0, err
		}
		if len(links) == 0 {
			break
		}
		for _, link := range links {
			if link.Provisional && link.ExpiresAt != nil && !link.ExpiresAt.After(now) {
				expired = append(expired, link.ID)
			}
		}
	}
	return s.deleteAll(ctx, set, expired)
}

func (s *Service) deleteAll(ctx context.Context, set string, ids []string) (int, error) {
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.p.Store.Delete(ctx, set, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}
