// Package audit is the host router's optional Postgres sink: one row per
// /attest/fetch outcome. It is host-side bookkeeping only; the enclave
// pipeline itself stays stateless.
package audit

import (
	"context"
	"database/sql"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// EnvDatabaseURL enables the sink when set to a Postgres connection string.
const EnvDatabaseURL = "AUDIT_DATABASE_URL"

// Entry is one recorded /attest/fetch outcome.
type Entry struct {
	ID            string
	Hostname      string
	Status        int
	AttestationID string
}

// Sink records fetch outcomes. Record must never fail the request it is
// recording; implementations log and move on.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Nop returns a Sink that discards everything, used when auditing is not
// configured.
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Record(context.Context, Entry) {}

// pgSink writes entries to a Postgres table.
type pgSink struct {
	db *sql.DB
}

const createTable = `CREATE TABLE IF NOT EXISTS attest_fetch_audit (
	id             TEXT,
	hostname       TEXT NOT NULL,
	status         INTEGER NOT NULL,
	attestation_id TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertEntry = `INSERT INTO attest_fetch_audit
	(id, hostname, status, attestation_id, created_at)
	VALUES ($1, $2, $3, $4, $5)`

// Open returns the configured sink: a Postgres-backed one when
// AUDIT_DATABASE_URL is set, a no-op otherwise.
func Open() (Sink, error) {
	dsn := os.Getenv(EnvDatabaseURL)
	if dsn == "" {
		return Nop(), nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "audit: failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "audit: database ping failed")
	}
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "audit: failed to ensure audit table")
	}

	log.Info("audit: Postgres sink enabled")
	return &pgSink{db: db}, nil
}

func (s *pgSink) Record(ctx context.Context, e Entry) {
	_, err := s.db.ExecContext(ctx, insertEntry,
		e.ID, e.Hostname, e.Status, e.AttestationID, time.Now().UTC())
	if err != nil {
		log.WithError(err).WithField("request_id", e.ID).Warn("audit: failed to record entry")
	}
}
