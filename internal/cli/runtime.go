package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/gurih/internal/action"
	"github.com/roach88/gurih/internal/config"
	"github.com/roach88/gurih/internal/data"
	"github.com/roach88/gurih/internal/datastore"
	"github.com/roach88/gurih/internal/datastore/sqlstore"
	"github.com/roach88/gurih/internal/plugins"
	"github.com/roach88/gurih/internal/query"
	"github.com/roach88/gurih/internal/schema"
)

// runtime is everything a record or action command needs.
type runtime struct {
	cfg     *config.Config
	schema  *schema.Schema
	store   datastore.DataStore
	data    *data.Engine
	actions *action.Engine
	logger  *slog.Logger
	closer  io.Closer
}

func (r *runtime) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (o *RootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(o.ConfigFile, cmd.Flags())
}

// newLogger builds the runtime logger. --verbose forces debug.
func (o *RootOptions) newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Log.SlogLevel()
	if err != nil || o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadSchema reads the configuration and the schema it names.
func (o *RootOptions) loadSchema(cmd *cobra.Command) (*config.Config, *schema.Schema, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	s, err := schema.Load(cfg.Schema)
	if err != nil {
		return nil, nil, fmt.Errorf("load schema %s: %w", cfg.Schema, err)
	}
	return cfg, s, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (datastore.DataStore, io.Closer, error) {
	if cfg.Database.Type == config.DatabaseMemory {
		return datastore.NewMemoryStore(), nil, nil
	}
	if err := cfg.Database.RequireURL(); err != nil {
		return nil, nil, err
	}
	dialect, err := query.ParseDialect(cfg.Database.Type)
	if err != nil {
		return nil, nil, err
	}
	st, err := sqlstore.Open(ctx, dialect, cfg.Database.URL, sqlstore.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return st, st, nil
}

// openRuntime wires configuration, schema, store, plugins and engines.
// Callers must Close the result.
func (o *RootOptions) openRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, s, err := o.loadSchema(cmd)
	if err != nil {
		return nil, err
	}
	logger := o.newLogger(cfg, cmd.ErrOrStderr())

	st, closer, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Type, err)
	}
	registry, err := plugins.Registry(cfg.Plugins, logger, nil)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	engine := data.New(s, st,
		data.WithPlugins(registry),
		data.WithLogger(logger),
		data.WithDialect(query.DialectFor(cfg.Database.Type)),
		data.WithPasswordHasher(data.Argon2Hasher{
			Time:    cfg.Password.Time,
			Memory:  cfg.Password.Memory,
			Threads: cfg.Password.Threads,
			KeyLen:  32,
			SaltLen: 16,
		}),
	)
	logger.Debug("runtime ready",
		"schema", cfg.Schema, "database", cfg.Database.Type, "plugins", cfg.Plugins)

	return &runtime{
		cfg:     cfg,
		schema:  s,
		store:   st,
		data:    engine,
		actions: action.New(engine, registry, action.WithLogger(logger)),
		logger:  logger,
		closer:  closer,
	}, nil
}
