package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"golang.org/x/xerrors"

	"taskbroker/pkg/protocol"
)

// --- Safelist and badlist ---

const (
	safelistTable = "safelist"
	badlistTable  = "badlist"
)

// SaveSafelist adds or replaces a known-good item.
func (s *Store) SaveSafelist(ctx context.Context, item protocol.ListItem) error {
	return s.saveListItem(ctx, safelistTable, item)
}

// SaveBadlist adds or replaces a known-bad item.
func (s *Store) SaveBadlist(ctx context.Context, item protocol.ListItem) error {
	return s.saveListItem(ctx, badlistTable, item)
}

// GetSafelist returns the enabled safelist item matching qhash, or
// ErrNotFound. qhash may be the item id or any of its file hashes.
func (s *Store) GetSafelist(ctx context.Context, qhash string) (*protocol.ListItem, error) {
	return s.getListItem(ctx, safelistTable, qhash)
}

// GetBadlist returns the enabled badlist item matching qhash, or
// ErrNotFound.
func (s *Store) GetBadlist(ctx context.Context, qhash string) (*protocol.ListItem, error) {
	return s.getListItem(ctx, badlistTable, qhash)
}

// BadlistedTags returns the values of every enabled badlisted tag, grouped
// by tag type. An empty tagTypes returns all types.
func (s *Store) BadlistedTags(ctx context.Context, tagTypes []string) (map[string][]string, error) {
	query := `SELECT tag_type, tag_value FROM badlist WHERE type = ? AND enabled = 1`
	args := []any{protocol.ListTypeTag}
	if len(tagTypes) > 0 {
		query += ` AND tag_type IN (?` + strings.Repeat(", ?", len(tagTypes)-1) + `)`
		for _, tt := range tagTypes {
			args = append(args, tt)
		}
	}
	query += ` ORDER BY tag_type, tag_value`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("list badlisted tags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]string)
	for rows.Next() {
		var tagType, value string
		if err := rows.Scan(&tagType, &value); err != nil {
			return nil, xerrors.Errorf("scan badlisted tag: %w", err)
		}
		out[tagType] = append(out[tagType], value)
	}
	return out, rows.Err()
}

// BadlistByTags returns the enabled badlist items matching any of the given
// tag type to values pairs.
func (s *Store) BadlistByTags(ctx context.Context, tags map[string][]string) ([]protocol.ListItem, error) {
	var (
		conds []string
		args  = []any{protocol.ListTypeTag}
	)
	for tagType, values := range tags {
		for _, v := range values {
			conds = append(conds, `(tag_type = ? AND tag_value = ?)`)
			args = append(args, tagType, v)
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}
	return s.queryListItems(ctx,
		`SELECT body, enabled FROM badlist WHERE type = ? AND enabled = 1 AND (`+
			strings.Join(conds, " OR ")+`) ORDER BY id`, args...)
}

// BadlistByFuzzyHash returns the enabled badlist items whose ssdeep or tlsh
// hash equals value. kind is "ssdeep" or "tlsh".
func (s *Store) BadlistByFuzzyHash(ctx context.Context, kind, value string) ([]protocol.ListItem, error) {
	var column string
	switch kind {
	case "ssdeep":
		column = "ssdeep"
	case "tlsh":
		column = "tlsh"
	default:
		return nil, xerrors.Errorf("unknown fuzzy hash kind %q", kind)
	}
	return s.queryListItems(ctx,
		`SELECT body, enabled FROM badlist WHERE enabled = 1 AND `+column+` = ? ORDER BY id`, value)
}

func (s *Store) saveListItem(ctx context.Context, table string, item protocol.ListItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	id := item.ID()

	now := s.nowFunc().UTC()
	if prev, err := s.getListItemByID(ctx, table, id); err == nil {
		item.Added = prev.Added
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if item.Added.IsZero() {
		item.Added = now
	}
	item.Updated = now
	h := item.Hashes
	h.MD5, h.SHA1, h.SHA256 = strings.ToLower(h.MD5), strings.ToLower(h.SHA1), strings.ToLower(h.SHA256)
	item.Hashes = h

	body, err := json.Marshal(item)
	if err != nil {
		return xerrors.Errorf("encode %s item %s: %w", table, id, err)
	}

	var tagType, tagValue any
	if item.Tag != nil {
		tagType, tagValue = item.Tag.Type, item.Tag.Value
	}
	switch table {
	case safelistTable:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO safelist (id, type, sha256, sha1, md5, enabled, body, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET type = excluded.type, sha256 = excluded.sha256,
			   sha1 = excluded.sha1, md5 = excluded.md5, enabled = excluded.enabled,
			   body = excluded.body, updated_at = excluded.updated_at`,
			id, item.Type, nullable(h.SHA256), nullable(h.SHA1), nullable(h.MD5),
			item.Enabled, string(body), s.now())
	case badlistTable:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO badlist (id, type, sha256, sha1, md5, ssdeep, tlsh, tag_type, tag_value, enabled, body, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET type = excluded.type, sha256 = excluded.sha256,
			   sha1 = excluded.sha1, md5 = excluded.md5, ssdeep = excluded.ssdeep, tlsh = excluded.tlsh,
			   tag_type = excluded.tag_type, tag_value = excluded.tag_value, enabled = excluded.enabled,
			   body = excluded.body, updated_at = excluded.updated_at`,
			id, item.Type, nullable(h.SHA256), nullable(h.SHA1), nullable(h.MD5),
			nullable(h.SSDeep), nullable(h.TLSH), tagType, tagValue,
			item.Enabled, string(body), s.now())
	}
	if err != nil {
		return xerrors.Errorf("save %s item %s: %w", table, id, err)
	}
	log.Debugw("list item saved", "list", table, "id", id, "type", item.Type)
	return nil
}

func (s *Store) getListItem(ctx context.Context, table, qhash string) (*protocol.ListItem, error) {
	qhash = strings.ToLower(strings.TrimSpace(qhash))
	items, err := s.queryListItems(ctx,
		`SELECT body, enabled FROM `+table+`
		 WHERE enabled = 1 AND (id = ? OR sha256 = ? OR sha1 = ? OR md5 = ?)
		 ORDER BY id LIMIT 1`, qhash, qhash, qhash, qhash)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (s *Store) getListItemByID(ctx context.Context, table, id string) (*protocol.ListItem, error) {
	items, err := s.queryListItems(ctx, `SELECT body, enabled FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (s *Store) queryListItems(ctx context.Context, query string, args ...any) ([]protocol.ListItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("query list items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.ListItem
	for rows.Next() {
		var (
			body    string
			enabled bool
		)
		if err := rows.Scan(&body, &enabled); err != nil {
			return nil, xerrors.Errorf("scan list item: %w", err)
		}
		var item protocol.ListItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			return nil, xerrors.Errorf("decode list item: %w", err)
		}
		item.Enabled = enabled
		out = append(out, item)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
