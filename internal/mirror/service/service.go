package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/erpsync/internal/clock"
	"github.com/smallbiznis/erpsync/internal/config"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	"github.com/smallbiznis/erpsync/internal/mirror/domain"
	"github.com/smallbiznis/erpsync/internal/mirror/repository"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Runner is one mirrored feed.
type Runner interface {
	Name() string
	Sync(ctx context.Context, full bool) (domain.Result, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// Service exposes the three reference feeds by name.
type Service struct {
	runners map[string]Runner
	holder  *config.SyncConfigHolder
}

type Params struct {
	fx.In

	Legacy   *legacystore.Store
	Repo     *repository.Repository
	Holder   *config.SyncConfigHolder
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *metrics.Metrics     `optional:"true"`
	Counters *metrics.SyncMetrics `optional:"true"`
}

func NewService(p Params) *Service {
	legacy := repository.NewLegacy(p.Legacy)
	repo := p.Repo
	params := func(feed string) EngineParams {
		return EngineParams{
			Repo:     repo,
			Tuning:   func() config.FeedConfig { return p.Holder.Get().Feed(feed) },
			Clock:    p.Clock,
			Log:      p.Log,
			Metrics:  p.Metrics,
			Counters: p.Counters,
		}
	}
	return NewServiceWithRunners(p.Holder,
		NewEngine[domain.LegacyParty, domain.Party](partiesFeed{legacy: legacy}, params(config.FeedParties)),
		NewEngine[domain.LegacyAccount, domain.Account](accountsFeed{legacy: legacy}, params(config.FeedAccounts)),
		NewEngine[domain.LegacyProduct, domain.Product](productsFeed{legacy: legacy}, params(config.FeedProducts)),
	)
}

func NewServiceWithRunners(holder *config.SyncConfigHolder, runners ...Runner) *Service {
	if holder == nil {
		holder = config.NewStaticSyncConfigHolder(config.DefaultSyncConfig())
	}
	s := &Service{runners: make(map[string]Runner, len(runners)), holder: holder}
	for _, r := range runners {
		s.runners[r.Name()] = r
	}
	return s
}

func (s *Service) runner(feed string) (Runner, error) {
	r, ok := s.runners[feed]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownFeed, feed)
	}
	return r, nil
}

// Sync runs one pass of the feed. Feeds switched off in sync.yml are refused.
func (s *Service) Sync(ctx context.Context, feed string, full bool) (domain.Result, error) {
	r, err := s.runner(feed)
	if err != nil {
		return domain.Result{}, err
	}
	if !s.holder.Get().Feed(feed).Enabled {
		return domain.Result{}, fmt.Errorf("%w: %s", domain.ErrFeedDisabled, feed)
	}
	return r.Sync(ctx, full)
}

// FullSync re-reads every legacy row of the feed, unversioned rows included.
func (s *Service) FullSync(ctx context.Context, feed string) (domain.Result, error) {
	return s.Sync(ctx, feed, true)
}

// IncrementalSync reads the rows at or above the feed cursor version.
func (s *Service) IncrementalSync(ctx context.Context, feed string) (domain.Result, error) {
	return s.Sync(ctx, feed, false)
}

func (s *Service) GetSyncStats(ctx context.Context, feed string) (domain.Stats, error) {
	r, err := s.runner(feed)
	if err != nil {
		return domain.Stats{}, err
	}
	return r.Stats(ctx)
}

// GetConfig returns the effective tuning of every feed.
func (s *Service) GetConfig() map[string]config.FeedConfig {
	cfg := s.holder.Get()
	out := make(map[string]config.FeedConfig, len(s.runners))
	for name := range s.runners {
		out[name] = cfg.Feed(name)
	}
	return out
}

// Feeds lists the configured feed names in run order.
func (s *Service) Feeds() []string {
	out := make([]string, 0, len(s.runners))
	for _, name := range config.FeedNames {
		if _, ok := s.runners[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
