package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/claims"
	"github.com/sells-group/corpus/internal/clearance"
	"github.com/sells-group/corpus/internal/compare"
	"github.com/sells-group/corpus/internal/pipeline"
	"github.com/sells-group/corpus/internal/queue"
	"github.com/sells-group/corpus/internal/store"
)

// env bundles the wired services behind every server-side command.
type env struct {
	Store      store.Store
	Audit      *audit.Service
	Queue      *queue.Service
	Chainer    *claims.Chainer
	Engine     *compare.Engine
	Pipeline   *pipeline.Service
	Clearances *clearance.Service
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "corpus.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Pool)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv wires the full pipeline over the configured store.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	auditSvc := audit.New(st, cfg.Audit)
	q := queue.New(st, auditSvc, cfg.Queue)
	ch := claims.NewChainer(st, q, cfg.Claims)
	eng := compare.New(st, q, cfg.Compare)
	p := pipeline.New(st, q, ch, eng, auditSvc)
	cl := clearance.New(st, cfg.Clearance)

	return &env{
		Store:      st,
		Audit:      auditSvc,
		Queue:      q,
		Chainer:    ch,
		Engine:     eng,
		Pipeline:   p,
		Clearances: cl,
	}, nil
}

// Close flushes the audit pipeline before releasing the store.
func (e *env) Close() {
	if e.Audit != nil {
		_ = e.Audit.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}
