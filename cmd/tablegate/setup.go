package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	_ "github.com/lib/pq"

	"github.com/pthm/tablegate"
	"github.com/pthm/tablegate/internal/cli"
	"github.com/pthm/tablegate/internal/gateerr"
	"github.com/pthm/tablegate/internal/introspect"
	"github.com/pthm/tablegate/schema"
)

// resolveDSN gets the database DSN from flag or config.
func resolveDSN(flagDSN string) (string, error) {
	if flagDSN != "" {
		return flagDSN, nil
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return "", cli.ConfigError("database configuration", err)
	}
	if dsn == "" {
		return "", cli.ConfigError("database URL is required (use --db or set in config)", nil)
	}
	return dsn, nil
}

// openDB connects and pings, so connection failures surface as
// DBConnectError rather than on the first query.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, cli.DBConnectError("connecting to database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cli.DBConnectError("connecting to database", err)
	}
	return db, nil
}

// optionalDB connects when a database is configured or flagged, and
// returns nil otherwise.
func optionalDB(ctx context.Context, flagDSN string) (*sql.DB, error) {
	if flagDSN == "" && !cfg.HasDatabase() {
		return nil, nil
	}
	dsn, err := resolveDSN(flagDSN)
	if err != nil {
		return nil, err
	}
	return openDB(ctx, dsn)
}

// loadCatalog reads the schema file, or introspects db when the file does
// not exist and a database is available.
func loadCatalog(ctx context.Context, schemaPath string, db *sql.DB) (*schema.Catalog, error) {
	if schemaPath != "" {
		_, err := os.Stat(schemaPath)
		switch {
		case err == nil:
			c, err := schema.LoadFile(schemaPath)
			if err != nil {
				return nil, cli.SchemaParseError("loading schema", err)
			}
			return c, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, cli.SchemaParseError("loading schema", err)
		}
	}
	if db == nil {
		return nil, cli.SchemaParseError(fmt.Sprintf("schema not found: %s", schemaPath), nil)
	}
	logger.Info("introspecting schema", "schema", cfg.Introspect.Schema)
	c, err := introspect.Load(ctx, db, introspect.Options{
		Schema: cfg.Introspect.Schema,
		Tables: cfg.Introspect.Tables,
	})
	if err != nil {
		return nil, cli.DBConnectError("introspecting schema", err)
	}
	return c, nil
}

// newCompiler builds a Compiler from the configuration. db may be nil, in
// which case remote policies and dynamic fields cannot be probed.
func newCompiler(store *tablegate.Store, policiesPath string, db *sql.DB) (*tablegate.Compiler, error) {
	policies, err := cli.LoadPolicies(resolveString(policiesPath, cfg.Policies))
	if err != nil {
		return nil, cli.ConfigError("loading policies", err)
	}

	opts := []tablegate.Option{
		tablegate.WithLogger(logger),
		tablegate.WithDefaultLimit(cfg.Compile.DefaultLimit),
	}
	if policies != nil {
		opts = append(opts, tablegate.WithPolicies(policies))
	}
	if cfg.Compile.RemotePolicies {
		opts = append(opts, tablegate.WithRemotePolicies())
	}
	if db != nil {
		opts = append(opts, tablegate.WithProber(tablegate.DBProber(db)))
	}
	return tablegate.New(store, opts...), nil
}

// requestError classifies a compile failure for the exit code.
func requestError(err error) error {
	if gateerr.KindOf(err) != "" {
		return cli.RejectedError("request rejected", err)
	}
	return cli.GeneralError("compiling request", err)
}
