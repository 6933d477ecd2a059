package whatsapp

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// OpenContainer opens the whatsmeow device store at dsn on modernc.org/sqlite
// and upgrades its schema. The returned *sql.DB is the one the container
// uses; Adapter reads the LID map through it.
func OpenContainer(ctx context.Context, dsn string) (*sqlstore.Container, *sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, eris.Wrap(err, "whatsapp: open device store")
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, nil, eris.Wrapf(err, "whatsapp: exec %s", pragma)
		}
	}

	container := sqlstore.NewWithDB(db, "sqlite3", nil)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, nil, eris.Wrap(err, "whatsapp: upgrade device store")
	}
	return container, db, nil
}

// FirstClient builds a client for the first stored device. The client is not
// connected.
func FirstClient(ctx context.Context, container *sqlstore.Container) (*whatsmeow.Client, error) {
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "whatsapp: load device")
	}
	if device.ID == nil {
		zap.L().Warn("whatsapp: device store has no paired device; network lookups will fail")
	}
	return whatsmeow.NewClient(device, nil), nil
}
