package session

import (
	"context"
	"fmt"

	"github.com/R3E-Network/ledger_client/internal/config"
)

// Open builds the repository selected by cfg. The returned close function
// releases backend connections and is never nil.
func Open(ctx context.Context, cfg config.SessionConfig) (Repository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemoryRepository(), noop, nil
	case config.BackendFile, "":
		return NewFileRepository(cfg.FilePath, cfg.Profile), noop, nil
	case config.BackendPostgres:
		repo, err := OpenPostgres(ctx, cfg.PostgresDSN, cfg.Profile)
		if err != nil {
			return nil, noop, err
		}
		return repo, repo.Close, nil
	case config.BackendRedis:
		repo, err := OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.Profile, cfg.TTL)
		if err != nil {
			return nil, noop, err
		}
		return repo, repo.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// Options returns the Store options implied by cfg: a token signer when a
// secret is configured.
func Options(cfg config.SessionConfig) ([]Option, error) {
	if cfg.Secret == "" {
		return nil, nil
	}
	signer, err := NewTokenSigner(cfg.Secret, cfg.TTL)
	if err != nil {
		return nil, err
	}
	return []Option{WithSigner(signer)}, nil
}
