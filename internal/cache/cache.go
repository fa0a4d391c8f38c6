// Package cache implements the Review Cache: a SQLite-backed store keyed
// on (filename, file-SHA, rule-id-set) with visited-file freshness
// tokens, so a file's review can be elided when neither the file nor any
// file it visited on its last review has changed.
package cache

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wispbit/revengine/internal/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rules (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	directory TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS review_files (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	filename  TEXT NOT NULL,
	file_sha  TEXT NOT NULL,
	rule_set  TEXT NOT NULL,
	cost      REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_review_files_lookup ON review_files(filename, file_sha, rule_set);

CREATE TABLE IF NOT EXISTS review_violations (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	review_file_id        INTEGER NOT NULL REFERENCES review_files(id),
	description          TEXT NOT NULL,
	line_start           INTEGER NOT NULL,
	line_end             INTEGER NOT NULL,
	line_side            TEXT NOT NULL,
	rule_id              TEXT NOT NULL,
	validation_reasoning TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_review_violations_file ON review_violations(review_file_id);

CREATE TABLE IF NOT EXISTS visited_files (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	review_file_id  INTEGER NOT NULL REFERENCES review_files(id),
	filename        TEXT NOT NULL,
	freshness_token TEXT NOT NULL,
	UNIQUE(review_file_id, filename)
);

CREATE INDEX IF NOT EXISTS idx_visited_files_review ON visited_files(review_file_id);
`

// Cache wraps a SQLite connection holding the review cache.
type Cache struct {
	conn *sql.DB
	root string
}

// Open opens (or creates) the cache database at dsn and applies the
// schema. root is the workspace root, used to compute freshness tokens.
func Open(dsn, root string) (*Cache, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	return &Cache{conn: conn, root: root}, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.conn.Close()
}

// FreshnessToken returns an opaque hash of filename's current
// modification time and size, relative to the cache's workspace root. A
// missing file yields a token distinguishable from any real file's.
func (c *Cache) FreshnessToken(filename string) string {
	info, err := os.Stat(filepath.Join(c.root, filename))
	if err != nil {
		return "missing"
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size())))
	return hex.EncodeToString(sum[:])
}

// Lookup implements hasReviewedFileWithSameHash: it looks for a
// review_files row matching (filename, fileSHA) whose stored rule-id set
// equals ruleSet, then requires every visited file recorded against it to
// still match its freshness token. A hit returns the cached violations,
// marked IsCached.
func (c *Cache) Lookup(filename, fileSHA string, ruleSet []types.CodebaseRule) (violations []types.Violation, hit bool, err error) {
	ruleKey := ruleSetKey(ruleSet)

	var reviewFileID int64
	row := c.conn.QueryRow(
		`SELECT id FROM review_files WHERE filename = ? AND file_sha = ? AND rule_set = ? ORDER BY id DESC LIMIT 1`,
		filename, fileSHA, ruleKey,
	)
	if err := row.Scan(&reviewFileID); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	visitedRows, err := c.conn.Query(`SELECT filename, freshness_token FROM visited_files WHERE review_file_id = ?`, reviewFileID)
	if err != nil {
		return nil, false, err
	}
	defer visitedRows.Close()

	for visitedRows.Next() {
		var name, token string
		if err := visitedRows.Scan(&name, &token); err != nil {
			return nil, false, err
		}
		if c.FreshnessToken(name) != token {
			return nil, false, nil
		}
	}
	if err := visitedRows.Err(); err != nil {
		return nil, false, err
	}

	ruleByID := map[string]types.CodebaseRule{}
	for _, r := range ruleSet {
		ruleByID[r.ID] = r
	}

	violationRows, err := c.conn.Query(
		`SELECT description, line_start, line_end, line_side, rule_id, validation_reasoning FROM review_violations WHERE review_file_id = ?`,
		reviewFileID,
	)
	if err != nil {
		return nil, false, err
	}
	defer violationRows.Close()

	for violationRows.Next() {
		var description, side, ruleID, reasoning string
		var start, end int
		if err := violationRows.Scan(&description, &start, &end, &side, &ruleID, &reasoning); err != nil {
			return nil, false, err
		}
		violations = append(violations, types.Violation{
			Description:         description,
			Line:                types.LineReference{Start: start, End: end, Side: types.Side(side)},
			Rule:                ruleByID[ruleID],
			ValidationReasoning: reasoning,
			IsCached:            true,
		})
	}
	if err := violationRows.Err(); err != nil {
		return nil, false, err
	}

	return violations, true, nil
}

// Write records one completed, non-cached review: one review_files row,
// one review_violations row per violation, and a visited_files row per
// visited file.
func (c *Cache) Write(filename, fileSHA string, ruleSet []types.CodebaseRule, violations []types.Violation, visitedFiles []string, cost float64) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range ruleSet {
		if _, err := tx.Exec(
			`INSERT INTO rules (id, name, directory) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name, directory = excluded.directory`,
			r.ID, r.Name, r.Directory,
		); err != nil {
			return fmt.Errorf("cache: upsert rule: %w", err)
		}
	}

	res, err := tx.Exec(
		`INSERT INTO review_files (filename, file_sha, rule_set, cost) VALUES (?, ?, ?, ?)`,
		filename, fileSHA, ruleSetKey(ruleSet), cost,
	)
	if err != nil {
		return fmt.Errorf("cache: insert review_files: %w", err)
	}
	reviewFileID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("cache: last insert id: %w", err)
	}

	if len(violations) > 0 {
		stmt, err := tx.Prepare(
			`INSERT INTO review_violations (review_file_id, description, line_start, line_end, line_side, rule_id, validation_reasoning) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("cache: prepare violation insert: %w", err)
		}
		defer stmt.Close()
		for _, v := range violations {
			if _, err := stmt.Exec(reviewFileID, v.Description, v.Line.Start, v.Line.End, string(v.Line.Side), v.Rule.ID, v.ValidationReasoning); err != nil {
				return fmt.Errorf("cache: insert violation: %w", err)
			}
		}
	}

	if len(visitedFiles) > 0 {
		stmt, err := tx.Prepare(
			`INSERT OR IGNORE INTO visited_files (review_file_id, filename, freshness_token) VALUES (?, ?, ?)`,
		)
		if err != nil {
			return fmt.Errorf("cache: prepare visited insert: %w", err)
		}
		defer stmt.Close()
		for _, f := range visitedFiles {
			if _, err := stmt.Exec(reviewFileID, f, c.FreshnessToken(f)); err != nil {
				return fmt.Errorf("cache: insert visited file: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Purge drops every row from every cache table.
func (c *Cache) Purge() error {
	for _, table := range []string{"visited_files", "review_violations", "review_files", "rules"} {
		if _, err := c.conn.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("cache: purge %s: %w", table, err)
		}
	}
	return nil
}

func ruleSetKey(ruleSet []types.CodebaseRule) string {
	return types.RuleSetKey(ruleSet)
}
