package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	key        TEXT PRIMARY KEY,
	labels     TEXT NOT NULL,
	props      TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS relations (
	from_key   TEXT NOT NULL,
	rel_type   TEXT NOT NULL,
	to_key     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (from_key, rel_type, to_key)
);
CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_key);
`

// SQLiteClient persists the property graph in a local SQLite database.
// Nodes are keyed "<Label>:<name>"; DecisionTrace nodes key on their id.
type SQLiteClient struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the graph database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteClient, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "decisions.db"))
	if err != nil {
		return nil, fmt.Errorf("open graph database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize graph schema: %w", err)
	}

	return &SQLiteClient{db: db}, nil
}

// CreateNode writes a node. The node key is props["key"] when present, else
// derived from the first label and props["id"].
func (c *SQLiteClient) CreateNode(labels []string, props map[string]any) error {
	key := nodeKey(labels, props)

	encoded, err := json.Marshal(normalizeProps(props))
	if err != nil {
		return fmt.Errorf("encode node props: %w", err)
	}

	_, err = c.db.Exec(
		`INSERT INTO nodes (key, labels, props, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET labels = excluded.labels, props = excluded.props`,
		key, strings.Join(labels, ","), string(encoded), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write node %s: %w", key, err)
	}
	return nil
}

// MergeRelation ensures both endpoints exist and the relation is present.
func (c *SQLiteClient) MergeRelation(fromKey, relType, toKey string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for _, key := range []string{fromKey, toKey} {
		label := key
		if i := strings.IndexByte(key, ':'); i > 0 {
			label = key[:i]
		}
		if _, err := c.db.Exec(
			`INSERT OR IGNORE INTO nodes (key, labels, props, created_at) VALUES (?, ?, '{}', ?)`,
			key, label, now,
		); err != nil {
			return fmt.Errorf("merge endpoint %s: %w", key, err)
		}
	}

	if _, err := c.db.Exec(
		`INSERT OR IGNORE INTO relations (from_key, rel_type, to_key, created_at) VALUES (?, ?, ?, ?)`,
		fromKey, relType, toKey, now,
	); err != nil {
		return fmt.Errorf("merge relation %s-[%s]->%s: %w", fromKey, relType, toKey, err)
	}
	return nil
}

// Close releases the database handle.
func (c *SQLiteClient) Close() error { return c.db.Close() }

func nodeKey(labels []string, props map[string]any) string {
	if k, ok := props["key"].(string); ok && k != "" {
		return k
	}
	label := "Node"
	if len(labels) > 0 {
		label = labels[0]
	}
	if id, ok := props["id"].(string); ok && id != "" {
		return label + ":" + id
	}
	return label + ":" + time.Now().UTC().Format(time.RFC3339Nano)
}

// normalizeProps serializes map-valued properties as JSON strings so the
// stored shape matches the on-graph contract.
func normalizeProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		switch v.(type) {
		case map[string]any, map[string]string:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}
			out[k] = string(b)
		default:
			out[k] = v
		}
	}
	return out
}
