package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/scout-cli/internal/config"
	"github.com/sells-group/scout-cli/internal/monitoring"
	"github.com/sells-group/scout-cli/internal/pipeline"
	"github.com/sells-group/scout-cli/internal/rules"
	"github.com/sells-group/scout-cli/internal/scorer"
	"github.com/sells-group/scout-cli/internal/store"
	"github.com/sells-group/scout-cli/internal/weights"
)

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "scout.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// scoutEnv holds the store and services shared by the commands.
type scoutEnv struct {
	Store    store.Store
	Weights  *weights.Store
	Pipeline *pipeline.Orchestrator
	Metrics  *monitoring.Metrics
}

// Close releases resources held by the environment.
func (e *scoutEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates the config for mode, opens and migrates the store, and
// wires the weight store and orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*scoutEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	book := rules.Default()
	if c.Pipeline.RulesPath != "" {
		book, err = rules.Load(c.Pipeline.RulesPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		zap.L().Info("loaded rule book", zap.String("path", c.Pipeline.RulesPath))
	}

	metrics := monitoring.NewMetrics()
	ws := weights.New(st, weights.Config{
		LearningRate: c.Weights.LearningRate,
		MaxStep:      c.Weights.MaxStep,
		MaxAttempts:  c.Weights.MaxAttempts,
		IOTimeout:    time.Duration(c.Pipeline.IOTimeoutSecs) * time.Second,
	}, weights.WithMetrics(metrics))

	orch := pipeline.New(st, scorer.NewEngine(ws), book, pipeline.Config{
		ScoringWorkers: c.Pipeline.ScoringWorkers,
		IOTimeout:      time.Duration(c.Pipeline.IOTimeoutSecs) * time.Second,
	}, pipeline.WithMetrics(metrics))

	return &scoutEnv{
		Store:    st,
		Weights:  ws,
		Pipeline: orch,
		Metrics:  metrics,
	}, nil
}
