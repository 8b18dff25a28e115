package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

// --- Services ---

// ListAllServices returns the current version of every registered service.
func (s *Store) ListAllServices(ctx context.Context) ([]protocol.ServiceDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.body, s.enabled FROM services s
		 JOIN service_delta d ON d.name = s.name AND d.version = s.version
		 ORDER BY s.name`)
	if err != nil {
		return nil, xerrors.Errorf("list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ServiceDescriptor
	for rows.Next() {
		var (
			body    string
			enabled bool
		)
		if err := rows.Scan(&body, &enabled); err != nil {
			return nil, xerrors.Errorf("scan service: %w", err)
		}
		var svc protocol.ServiceDescriptor
		if err := json.Unmarshal([]byte(body), &svc); err != nil {
			return nil, xerrors.Errorf("decode service: %w", err)
		}
		svc.Enabled = enabled
		out = append(out, svc)
	}
	return out, rows.Err()
}

// GetService returns the current version of name, or ErrNotFound.
func (s *Store) GetService(ctx context.Context, name string) (*protocol.ServiceDescriptor, error) {
	var (
		body    string
		enabled bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT s.body, s.enabled FROM services s
		 JOIN service_delta d ON d.name = s.name AND d.version = s.version
		 WHERE s.name = ?`, name,
	).Scan(&body, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("get service %s: %w", name, err)
	}
	var svc protocol.ServiceDescriptor
	if err := json.Unmarshal([]byte(body), &svc); err != nil {
		return nil, xerrors.Errorf("decode service %s: %w", name, err)
	}
	svc.Enabled = enabled
	return &svc, nil
}

// SaveService registers svc if its name+version is unknown. The first
// version seen for a name becomes its current version. It reports whether a
// new row was created.
func (s *Store) SaveService(ctx context.Context, svc protocol.ServiceDescriptor) (bool, error) {
	body, err := json.Marshal(svc)
	if err != nil {
		return false, xerrors.Errorf("encode service %s: %w", svc.Name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, xerrors.Errorf("begin save service: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO services (name, version, enabled, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name, version) DO NOTHING`,
		svc.Name, svc.Version, svc.Enabled, string(body),
	)
	if err != nil {
		return false, xerrors.Errorf("save service %s: %w", svc.Name, err)
	}
	created, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO service_delta (name, version) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		svc.Name, svc.Version,
	); err != nil {
		return false, xerrors.Errorf("save service delta %s: %w", svc.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return false, xerrors.Errorf("commit service %s: %w", svc.Name, err)
	}
	return created > 0, nil
}

// SetCurrentVersion points name at an already registered version.
func (s *Store) SetCurrentVersion(ctx context.Context, name, version string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM services WHERE name = ? AND version = ?`, name, version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return xerrors.Errorf("lookup service %s %s: %w", name, version, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO service_delta (name, version) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET version = excluded.version`, name, version)
	if err != nil {
		return xerrors.Errorf("set current version %s %s: %w", name, version, err)
	}
	return nil
}

// SetServiceEnabled enables or disables every version of name.
func (s *Store) SetServiceEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET enabled = ?, updated_at = datetime('now') WHERE name = ?`, enabled, name)
	if err != nil {
		return xerrors.Errorf("set service %s enabled=%t: %w", name, enabled, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	log.Infow("service state changed", "service", name, "enabled", enabled)
	return nil
}

// --- Heuristics ---

// ListAllHeuristics returns every heuristic definition.
func (s *Store) ListAllHeuristics(ctx context.Context) ([]protocol.Heuristic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM heuristics ORDER BY heur_id`)
	if err != nil {
		return nil, xerrors.Errorf("list heuristics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.Heuristic
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, xerrors.Errorf("scan heuristic: %w", err)
		}
		var h protocol.Heuristic
		if err := json.Unmarshal([]byte(body), &h); err != nil {
			return nil, xerrors.Errorf("decode heuristic: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SaveHeuristics upserts hs and returns the IDs that were created or changed.
func (s *Store) SaveHeuristics(ctx context.Context, hs []protocol.Heuristic) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("begin save heuristics: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var changed []string
	for _, h := range hs {
		body, err := json.Marshal(h)
		if err != nil {
			return nil, xerrors.Errorf("encode heuristic %s: %w", h.HeurID, err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO heuristics (heur_id, score, attack_id, body) VALUES (?, ?, ?, ?)
			 ON CONFLICT(heur_id) DO UPDATE SET score = excluded.score, attack_id = excluded.attack_id, body = excluded.body
			 WHERE heuristics.body <> excluded.body`,
			h.HeurID, h.Score, h.AttackID, string(body),
		)
		if err != nil {
			return nil, xerrors.Errorf("save heuristic %s: %w", h.HeurID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			changed = append(changed, h.HeurID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Errorf("commit heuristics: %w", err)
	}
	return changed, nil
}
