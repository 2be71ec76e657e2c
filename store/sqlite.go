// Package store persists the control plane's durable state in SQLite:
// placement history, the admin audit log, and the operator-mutable
// decision inputs (experiments, flags, provider health) reloaded at
// startup. Decision serving itself reads only in-memory state.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var sqliteMigration string

// PlacementRecord is one row of placement history.
type PlacementRecord struct {
	ID           string    `json:"id"`
	Product      string    `json:"product"`
	Namespace    string    `json:"namespace"`
	Name         string    `json:"name"`
	Cell         string    `json:"cell"`
	Tier         string    `json:"tier"`
	Environment  string    `json:"environment"`
	HA           bool      `json:"ha"`
	Provider     string    `json:"provider"`
	Region       string    `json:"region"`
	ExperimentID string    `json:"experimentId,omitempty"`
	Arm          string    `json:"arm,omitempty"`
	TotalScore   float64   `json:"totalScore"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuditEntry is one row of the admin audit log.
type AuditEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// SQLite is the durable history store.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates an SQLite-backed store. Use ":memory:" for tests.
func Open(dsn string) (*SQLite, error) {
	// Pragmas ride the DSN so every pooled connection gets them.
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetClock overrides the time source, for tests.
func (s *SQLite) SetClock(now func() time.Time) { s.now = now }

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

// RecordPlacement appends a placement decision to the history. The record's
// ID and CreatedAt are assigned here.
func (s *SQLite) RecordPlacement(ctx context.Context, rec *PlacementRecord) error {
	rec.ID = uuid.New().String()
	rec.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO placements (id, product, namespace, name, cell, tier, environment, ha, provider, region, experiment_id, arm, total_score, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Product, rec.Namespace, rec.Name, rec.Cell, rec.Tier,
		rec.Environment, rec.HA, rec.Provider, rec.Region,
		rec.ExperimentID, rec.Arm, rec.TotalScore, rec.Reason,
		rec.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// ListPlacements returns the most recent placements, newest first.
func (s *SQLite) ListPlacements(ctx context.Context, limit int) ([]*PlacementRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product, namespace, name, cell, tier, environment, ha, provider, region, experiment_id, arm, total_score, reason, created_at
		FROM placements
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PlacementRecord
	for rows.Next() {
		var rec PlacementRecord
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Product, &rec.Namespace, &rec.Name,
			&rec.Cell, &rec.Tier, &rec.Environment, &rec.HA,
			&rec.Provider, &rec.Region, &rec.ExperimentID, &rec.Arm,
			&rec.TotalScore, &rec.Reason, &createdAt); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SaveExperiment upserts an experiment's JSON document. The spec is stored
// opaquely so the store does not depend on the experiment package.
func (s *SQLite) SaveExperiment(ctx context.Context, id string, spec any) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal experiment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, spec, created_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET spec = excluded.spec
	`, id, string(raw), s.now().UTC().Format(time.RFC3339Nano))
	return err
}

// DeleteExperiment removes a stored experiment.
func (s *SQLite) DeleteExperiment(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	return err
}

// LoadExperiments returns the stored experiment documents in creation order.
func (s *SQLite) LoadExperiments(ctx context.Context) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spec FROM experiments ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

// SetFlag upserts a feature flag.
func (s *SQLite) SetFlag(ctx context.Context, name string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (name, enabled) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET enabled = excluded.enabled
	`, name, enabled)
	return err
}

// DeleteFlag removes a stored flag.
func (s *SQLite) DeleteFlag(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flags WHERE name = ?`, name)
	return err
}

// Flags returns every stored flag.
func (s *SQLite) Flags(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled FROM flags`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, err
		}
		out[name] = enabled
	}
	return out, rows.Err()
}

// SetProviderHealth upserts an operator health bit.
func (s *SQLite) SetProviderHealth(ctx context.Context, provider string, healthy bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_health (provider, healthy, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (provider) DO UPDATE SET healthy = excluded.healthy, updated_at = excluded.updated_at
	`, provider, healthy, s.now().UTC().Format(time.RFC3339Nano))
	return err
}

// ProviderHealth returns every stored health bit.
func (s *SQLite) ProviderHealth(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider, healthy FROM provider_health`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var provider string
		var healthy bool
		if err := rows.Scan(&provider, &healthy); err != nil {
			return nil, err
		}
		out[provider] = healthy
	}
	return out, rows.Err()
}

// AppendAudit records an admin mutation.
func (s *SQLite) AppendAudit(ctx context.Context, action, actor string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), action, actor, string(raw), s.now().UTC().Format(time.RFC3339Nano))
	return err
}

// ListAudit returns the most recent audit entries, newest first.
func (s *SQLite) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, detail, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var detail, createdAt string
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &detail, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(detail), &entry.Detail); err != nil {
			return nil, fmt.Errorf("unmarshal detail: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = t
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
