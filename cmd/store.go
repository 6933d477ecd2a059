package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/contact-identity/internal/store"
)

// openPostgres connects to the contact database.
func openPostgres(ctx context.Context) (*store.PostgresStore, error) {
	if err := cfg.Validate("db"); err != nil {
		return nil, err
	}
	return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
}

// initRunStore returns the merge run log for the configured driver. The
// postgres driver reuses pg; the sqlite driver opens and migrates its own
// file. The caller closes the result only when it differs from pg.
func initRunStore(ctx context.Context, pg *store.PostgresStore) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		path := cfg.Store.SQLitePath
		if path == "" {
			path = "contact-identity.db"
		}
		st, err := store.NewSQLite(path)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close() //nolint:errcheck
			return nil, err
		}
		return st, nil
	case "postgres", "":
		if pg == nil {
			return nil, eris.New("run store: postgres driver needs a database connection")
		}
		return pg, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// closeRunStore closes st unless it is the shared Postgres store.
func closeRunStore(st store.Store, pg *store.PostgresStore) {
	if st == nil {
		return
	}
	if p, ok := st.(*store.PostgresStore); ok && p == pg {
		return
	}
	st.Close() //nolint:errcheck
}

// writeStructured encodes v as json or yaml.
func writeStructured(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(v), "encode json")
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return eris.Wrap(enc.Close(), "encode yaml")
	default:
		return eris.Errorf("unsupported output format: %s", format)
	}
}
