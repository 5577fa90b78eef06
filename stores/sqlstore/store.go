// Package sqlstore implements DocumentStore and LockStore on database/sql.
// The sqlite and postgres packages open the connection and hand it here.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nppfnppf20/markup/core"
	"github.com/sirupsen/logrus"
)

type Dialect int

const (
	// SQLite uses ? placeholders.
	SQLite Dialect = iota
	// Postgres uses $n placeholders.
	Postgres
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	data TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS versions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	name TEXT NOT NULL,
	created_by TEXT,
	created_at BIGINT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS versions_document_id ON versions (document_id, created_at);
CREATE TABLE IF NOT EXISTS locks (
	document_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT,
	expires_at BIGINT NOT NULL
);`

type Store struct {
	db      *sql.DB
	dialect Dialect
	ttl     time.Duration
	now     func() time.Time
}

type Option func(*Store)

func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates the tables if needed and returns a store on db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: dialect, ttl: core.DefaultLockTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for the store's dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) GetDocument(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	doc, err := s.getDocument(ctx, s.db, id)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			log.Debug("Document with specified ID not found")
		} else {
			log.WithError(err).Error("Failed to retrieve document")
		}
		return nil, err
	}
	log.WithField("version", doc.Version).Debug("Document retrieved successfully")
	return doc, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) getDocument(ctx context.Context, q queryer, id string) (*core.Document, error) {
	var (
		data    string
		version int64
	)
	err := q.QueryRowContext(ctx, s.rebind("SELECT data, version FROM documents WHERE id = ?"), id).Scan(&data, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, core.NotFoundError(id)
		}
		return nil, err
	}
	var doc core.Document
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	doc.Version = version
	return &doc, nil
}

func (s *Store) SaveDocument(ctx context.Context, id string, doc *core.Document, baseVersion int64) (int64, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "base_version": baseVersion})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stored, err := s.getDocument(ctx, tx, id)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		log.WithError(err).Error("Failed to read stored document")
		return 0, err
	}
	next, err := core.NextRevision(id, stored, doc, baseVersion, s.now())
	if err != nil {
		log.WithError(err).Warn("Rejected stale document save")
		return 0, err
	}
	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal document: %w", err)
	}

	var res sql.Result
	if stored == nil {
		res, err = tx.ExecContext(ctx, s.rebind(
			"INSERT INTO documents (id, version, data, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING"),
			id, next.Version, string(data), next.UpdatedAt.UnixMilli())
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(
			"UPDATE documents SET version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?"),
			next.Version, string(data), next.UpdatedAt.UnixMilli(), id, baseVersion)
	}
	if err != nil {
		log.WithError(err).Error("Failed to save document")
		return 0, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, err
	} else if n == 0 {
		// Lost a race with a concurrent writer.
		return 0, s.conflict(ctx, tx, id, baseVersion)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	log.WithField("version", next.Version).Info("Document saved successfully")
	return next.Version, nil
}

func (s *Store) conflict(ctx context.Context, q queryer, id string, baseVersion int64) error {
	var current int64
	err := q.QueryRowContext(ctx, s.rebind("SELECT version FROM documents WHERE id = ?"), id).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	return &core.ConflictError{DocumentID: id, BaseVersion: baseVersion, CurrentVersion: current}
}

func (s *Store) ListVersions(ctx context.Context, id string) ([]*core.VersionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT data FROM versions WHERE document_id = ? ORDER BY created_at DESC, id DESC"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := []*core.VersionSnapshot{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v core.VersionSnapshot
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal version: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

func (s *Store) SaveVersion(ctx context.Context, id string, snapshot *core.VersionSnapshot) (string, error) {
	v := *snapshot
	if v.ID == "" {
		v.ID = core.NewID()
	}
	v.DocumentID = id
	if v.CreatedAt.IsZero() {
		v.CreatedAt = s.now()
	}
	data, err := json.Marshal(&v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal version: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{"document_id": id, "version_id": v.ID})
	_, err = s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO versions (id, document_id, name, created_by, created_at, data) VALUES (?, ?, ?, ?, ?, ?)"),
		v.ID, id, v.Name, v.CreatedBy, v.CreatedAt.UnixMilli(), string(data))
	if err != nil {
		log.WithError(err).Error("Failed to save version")
		return "", err
	}
	log.Info("Version saved successfully")
	return v.ID, nil
}

func (s *Store) Acquire(ctx context.Context, id string, holder core.LockHolder) (*core.LockResult, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	log := logrus.WithFields(logrus.Fields{"document_id": id, "user_id": holder.UserID})

	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO locks (document_id, user_id, name, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET
			user_id = excluded.user_id, name = excluded.name, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ? OR locks.user_id = excluded.user_id`),
		id, holder.UserID, holder.Name, exp.UnixMilli(), now.UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to acquire lock")
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n > 0 {
		log.Info("Lock acquired successfully")
		return &core.LockResult{OK: true, Holder: &holder, ExpiresAt: &exp}, nil
	}

	status, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &core.LockResult{OK: false, Holder: status.Holder, ExpiresAt: status.ExpiresAt}, nil
}

func (s *Store) Renew(ctx context.Context, id, userID string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		"UPDATE locks SET expires_at = ? WHERE document_id = ? AND user_id = ? AND expires_at > ?"),
		now.Add(s.ttl).UnixMilli(), id, userID, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) Release(ctx context.Context, id, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		"DELETE FROM locks WHERE document_id = ? AND user_id = ? AND expires_at > ?"),
		id, userID, s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		logrus.WithFields(logrus.Fields{"document_id": id, "user_id": userID}).Info("Lock released successfully")
	}
	return n > 0, err
}

func (s *Store) Get(ctx context.Context, id string) (*core.LockStatus, error) {
	var (
		holder core.LockHolder
		name   sql.NullString
		expMs  int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT user_id, name, expires_at FROM locks WHERE document_id = ? AND expires_at > ?"),
		id, s.now().UnixMilli()).Scan(&holder.UserID, &name, &expMs)
	if err == sql.ErrNoRows {
		return &core.LockStatus{Locked: false}, nil
	}
	if err != nil {
		return nil, err
	}
	holder.Name = name.String
	exp := time.UnixMilli(expMs)
	return &core.LockStatus{Locked: true, Holder: &holder, ExpiresAt: &exp}, nil
}
