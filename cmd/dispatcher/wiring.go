package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/pagehook/internal/auth"
	"github.com/austindbirch/pagehook/internal/config"
	"github.com/austindbirch/pagehook/internal/db"
	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/store"
)

// stores holds the tiers and the two routed views built over them.
// Main routes remote -> local -> emergency. Log routes remote -> local;
// the delivery log writes to Emergency itself.
type stores struct {
	Main      *store.Layered
	Log       *store.Layered
	Emergency *store.FileBackend

	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores connects every configured tier. A remote tier that cannot be reached
// at boot is left out and the process starts degraded on the local tier.
func openStores(ctx context.Context, cfg config.Config, logger *logging.Logger) (*stores, error) {
	s := &stores{}
	var tiers []store.Backend

	remote, err := openRemote(ctx, cfg, s)
	switch {
	case err != nil:
		logger.Plain().WithField("remote", cfg.Store.Remote).WithError(err).Warn("remote store unavailable at startup, continuing on local tiers")
	case remote != nil:
		tiers = append(tiers, remote)
	}

	local, err := db.OpenSQLite(ctx, cfg.Store.LocalPath)
	if err != nil {
		logger.Plain().WithField("path", cfg.Store.LocalPath).WithError(err).Warn("local store unavailable at startup")
	} else {
		s.closers = append(s.closers, func() { _ = local.Close() })
		sqlite := store.NewSQL(local, "sqlite", store.SQLite)
		if err := sqlite.Migrate(ctx); err != nil {
			logger.Plain().WithError(err).Warn("local store migration failed")
		} else {
			tiers = append(tiers, sqlite)
		}
	}

	s.Emergency = store.NewFile(cfg.Store.EmergencyDir)
	if len(tiers) == 0 {
		logger.Plain().WithField("dir", cfg.Store.EmergencyDir).Error("running on the emergency store only")
	}

	opts := []store.Option{store.WithProbeTimeout(cfg.Store.ProbeTimeout), store.WithLogger(logger)}
	s.Main = store.NewLayered(append(append([]store.Backend(nil), tiers...), s.Emergency), opts...)
	s.Log = store.NewLayered(tiers, opts...)
	return s, nil
}

func openRemote(ctx context.Context, cfg config.Config, s *stores) (store.Backend, error) {
	switch cfg.Store.Remote {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		return migratedPostgres(ctx, pool, s)
	case "redis":
		client, err := store.OpenRedis(cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		return redisTier(ctx, client)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown STORE_REMOTE %q", cfg.Store.Remote)
	}
}

func migratedPostgres(ctx context.Context, pool *pgxpool.Pool, s *stores) (store.Backend, error) {
	sqldb := db.SQL(pool)
	s.closers = append(s.closers, pool.Close, func() { _ = sqldb.Close() })
	pg := store.NewSQL(sqldb, "postgres", store.Postgres)
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return pg, nil
}

// redisTier keeps the tier even when the first ping fails; the layered store probes it per operation
func redisTier(ctx context.Context, client *redis.Client) (store.Backend, error) {
	b := store.NewRedis(client)
	if err := b.Probe(ctx); err != nil && errors.Is(err, store.ErrUnauthorized) {
		return nil, err
	}
	return b, nil
}

// buildValidator returns nil when auth is disabled
func buildValidator(ctx context.Context, cfg config.Auth) (*auth.JWTValidator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.PublicKey != "" {
		return auth.NewJWTValidator(cfg.PublicKey, cfg.Issuer, cfg.Audience)
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("AUTH_ENABLED requires JWT_PUBLIC_KEY or JWKS_URL")
	}
	keys, err := auth.FetchJWKS(ctx, nil, cfg.JWKSURL)
	if err != nil {
		return nil, err
	}
	return auth.NewKeySetValidator(keys, cfg.Issuer, cfg.Audience), nil
}
