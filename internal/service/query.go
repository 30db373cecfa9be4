package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/repos"
	"clinic-inventory-ledger/shared/cachex"
	"clinic-inventory-ledger/shared/logx"
)

// QueryStore is the read-side surface; QueryRepo implements it.
type QueryStore interface {
	GetProjection(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error)
	History(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID, limit int, offset int) ([]ledger.Event, error)
	Search(ctx context.Context, f repos.SearchFilter) ([]ledger.Event, error)
}

// QueryService serves reads without ever touching the write path. Current
// state goes through a short-TTL Redis cache; the writer invalidates on
// every recorded event, so the TTL only bounds staleness after a missed
// invalidation.
type QueryService struct {
	store    QueryStore
	cache    *cachex.Client
	cacheTTL time.Duration
	maxLimit int
	logger   logx.Logger
}

func NewQueryService(store QueryStore, cache *cachex.Client, cacheTTL time.Duration, maxLimit int, logger logx.Logger) *QueryService {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &QueryService{store: store, cache: cache, cacheTTL: cacheTTL, maxLimit: maxLimit, logger: logger}
}

func (s *QueryService) CurrentState(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (ledger.Projection, error) {
	key := projectionCacheKey(clinicID, vialID)
	if s.cache != nil {
		var cached ledger.Projection
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.logger.Warn(ctx, "projection_cache_read_failed", "cache read failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		} else if hit {
			s.logger.Debug(ctx, "projection_cache_hit", "served from cache",
				slog.String("vial_id", vialID.String()),
			)
			return cached, nil
		}
	}

	p, err := s.store.GetProjection(ctx, clinicID, vialID)
	if err != nil {
		return ledger.Projection{}, err
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.SetJSON(ctx, key, p, s.cacheTTL); err != nil {
			s.logger.Warn(ctx, "projection_cache_write_failed", "cache write failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}
	return p, nil
}

func (s *QueryService) History(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID, limit int, offset int) ([]ledger.Event, error) {
	limit = s.clampLimit(limit)
	if offset < 0 {
		offset = 0
	}
	return s.store.History(ctx, clinicID, vialID, limit, offset)
}

func (s *QueryService) Search(ctx context.Context, f repos.SearchFilter) ([]ledger.Event, error) {
	f.Limit = s.clampLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.Search(ctx, f)
}

func (s *QueryService) clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}
