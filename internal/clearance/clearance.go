// Package clearance resolves (author, organization) pairs to their granted
// clearance, with a small TTL cache in front of the store. Admission control
// sits on the job-claim hot path, so lookups must not hit the database on
// every poll.
package clearance

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

// Config tunes the resolver cache.
type Config struct {
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// Service resolves and administers clearance grants.
type Service struct {
	store  store.Store
	cache  *gocache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// New creates a resolver with the given cache TTL (default 5 minutes).
func New(s store.Store, cfg Config) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		store:  s,
		cache:  gocache.New(ttl, 2*ttl),
		ttl:    ttl,
		logger: zap.L().Named("clearance"),
	}
}

func cacheKey(authorID, orgID string) string {
	return authorID + "\x00" + orgID
}

// Resolve returns the grant for the pair, falling back to the lowest
// clearance when no grant exists. A cache hit refreshes the TTL so active
// workers stay cached.
func (s *Service) Resolve(ctx context.Context, authorID, orgID string) (label.Clearance, error) {
	key := cacheKey(authorID, orgID)
	if v, ok := s.cache.Get(key); ok {
		grant := v.(label.Clearance)
		s.cache.Set(key, grant, s.ttl)
		return grant, nil
	}

	c, err := s.store.GetClearance(ctx, authorID, orgID)
	if err != nil {
		return label.Clearance{}, eris.Wrap(err, "clearance: resolve")
	}
	grant := label.Default()
	if c != nil {
		grant = c.Grant.Normalize()
	}
	s.cache.Set(key, grant, s.ttl)
	return grant, nil
}

// Upsert writes a grant and invalidates the cached entry for that pair only.
func (s *Service) Upsert(ctx context.Context, c model.Clearance) error {
	c.Grant = c.Grant.Normalize()
	if !c.Grant.Level.Valid() {
		return eris.Wrapf(model.ErrValidation, "clearance: unknown level %q", c.Grant.Level)
	}
	if err := s.store.UpsertClearance(ctx, c); err != nil {
		return err
	}
	s.cache.Delete(cacheKey(c.AuthorID, c.OrgID))
	return nil
}

// Delete removes a grant; the pair reverts to the default clearance.
func (s *Service) Delete(ctx context.Context, authorID, orgID string) error {
	if err := s.store.DeleteClearance(ctx, authorID, orgID); err != nil {
		return err
	}
	s.cache.Delete(cacheKey(authorID, orgID))
	return nil
}

// List returns all grants, cache not consulted.
func (s *Service) List(ctx context.Context) ([]model.Clearance, error) {
	return s.store.ListClearances(ctx)
}

// Flush empties the cache. Exposed for operators who edit grants out of
// band and need them visible before the TTL expires.
func (s *Service) Flush() {
	s.cache.Flush()
	s.logger.Info("clearance: cache flushed")
}
