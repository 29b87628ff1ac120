package layout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresLayoutTableName  = "patchbay_layout"
	postgresDefaultProfile   = "default"
	postgresProfileParam     = "patchbay_profile"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend keeps manifests in a table keyed by profile name. The
// profile comes from the patchbay_profile DSN parameter.
type PostgresBackend struct {
	dsn       string
	tableName string
	profile   string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	connDSN, profile, err := splitProfile(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresBackend{
		dsn:       connDSN,
		tableName: postgresLayoutTableName,
		profile:   profile,
		openDB:    sql.Open,
	}, nil
}

// splitProfile removes the profile parameter, which the server would reject
// as an unknown runtime setting.
func splitProfile(dsn string) (string, string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", "", err
	}
	query := parsed.Query()
	profile := strings.TrimSpace(query.Get(postgresProfileParam))
	if profile == "" {
		profile = postgresDefaultProfile
	}
	query.Del(postgresProfileParam)
	parsed.RawQuery = query.Encode()
	return parsed.String(), profile, nil
}

func (b *PostgresBackend) Profile() string {
	return b.profile
}

func (b *PostgresBackend) Load() (*Manifest, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT manifest FROM %s WHERE profile = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.profile).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m, _ := Parse([]byte(payload))
	return m, nil
}

func (b *PostgresBackend) Save(m *Manifest) error {
	if b == nil || m == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (profile, manifest, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (profile)
		DO UPDATE SET manifest = EXCLUDED.manifest, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, b.profile, string(Marshal(m)))
	return err
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				profile TEXT PRIMARY KEY,
				manifest TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
