package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"clinic-inventory-ledger/internal/ledger"
	"clinic-inventory-ledger/internal/repos"
	"clinic-inventory-ledger/shared/config"
	"clinic-inventory-ledger/shared/dbx"
	"clinic-inventory-ledger/shared/lockx"
	"clinic-inventory-ledger/shared/logx"
)

// rebuild replays the event log and compares it against stored projections.
// Without --repair it only reports drift; with --repair drifted projections
// are rewritten from the replay. A Redis lock per vial keeps concurrent
// rebuild runs off the same aggregate.
func main() {
	var (
		clinicFlag = flag.String("clinic", "", "clinic id (required)")
		vialFlag   = flag.String("vial", "", "vial id; rebuilds every vial of the clinic when empty")
		repairFlag = flag.Bool("repair", false, "rewrite drifted projections from the replay")
	)
	flag.Parse()

	cfg, problems := config.Load("ledger-rebuild", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	clinicID, err := uuid.Parse(strings.TrimSpace(*clinicFlag))
	if err != nil {
		fmt.Fprintln(os.Stderr, "rebuild: --clinic must be a valid uuid")
		os.Exit(2)
	}
	var vialID *uuid.UUID
	if v := strings.TrimSpace(*vialFlag); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rebuild: --vial must be a valid uuid")
			os.Exit(2)
		}
		vialID = &id
	}

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
	}

	ledgerRepo := repos.NewLedgerRepo(dbPool, cfg.LedgerTxTimeout)
	queryRepo := repos.NewQueryRepo(dbPool)
	lockTTL := time.Duration(cfg.RebuildLockTTLSec) * time.Second

	ctx := context.Background()
	runner := rebuilder{
		repo:    ledgerRepo,
		redis:   redisClient,
		lockTTL: lockTTL,
		repair:  *repairFlag,
		logger:  logger,
	}

	var vials []uuid.UUID
	if vialID != nil {
		vials = []uuid.UUID{*vialID}
	} else {
		const page = 200
		for offset := 0; ; offset += page {
			batch, err := queryRepo.ListVialIDs(ctx, clinicID, page, offset)
			if err != nil {
				logger.Error(ctx, "vial_list_failed", "failed to list vials",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
				os.Exit(1)
			}
			vials = append(vials, batch...)
			if len(batch) < page {
				break
			}
		}
	}

	var checked, drifted, repaired, failed int
	for _, id := range vials {
		outcome, err := runner.rebuildOne(ctx, clinicID, id)
		if err != nil {
			failed++
			logger.Error(ctx, "rebuild_failed", "rebuild failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("vial_id", id.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		checked++
		if outcome.drifted {
			drifted++
			if outcome.repaired {
				repaired++
			}
		}
	}

	logger.Info(ctx, "rebuild_done", "rebuild finished",
		slog.Int("checked", checked),
		slog.Int("drifted", drifted),
		slog.Int("repaired", repaired),
		slog.Int("failed", failed),
	)
	if failed > 0 {
		os.Exit(1)
	}
}

type rebuilder struct {
	repo    *repos.LedgerRepo
	redis   *redis.Client
	lockTTL time.Duration
	repair  bool
	logger  logx.Logger
}

type rebuildOutcome struct {
	drifted  bool
	repaired bool
}

func (r rebuilder) rebuildOne(ctx context.Context, clinicID uuid.UUID, vialID uuid.UUID) (rebuildOutcome, error) {
	if r.redis != nil {
		key := "ledger:rebuild:" + clinicID.String() + ":" + vialID.String()
		lock, ok, err := lockx.Acquire(ctx, r.redis, key, r.lockTTL)
		if err != nil {
			return rebuildOutcome{}, err
		}
		if !ok {
			return rebuildOutcome{}, errors.New("vial is locked by another rebuild")
		}
		defer func() { _ = lockx.Release(ctx, r.redis, lock) }()
	}

	stored, replayed, drifted, err := r.repo.Rebuild(ctx, clinicID, vialID, r.repair)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return rebuildOutcome{}, fmt.Errorf("vial %s has no projection", vialID)
		}
		return rebuildOutcome{}, err
	}
	if drifted {
		r.logger.Warn(ctx, "projection_drift", "stored projection does not match replay",
			slog.String("vial_id", vialID.String()),
			slog.String("stored_remaining", stored.Remaining.String()),
			slog.String("replayed_remaining", replayed.Remaining.String()),
			slog.String("stored_status", string(stored.Status)),
			slog.String("replayed_status", string(replayed.Status)),
			slog.Bool("repaired", r.repair),
		)
	}
	return rebuildOutcome{drifted: drifted, repaired: drifted && r.repair}, nil
}
