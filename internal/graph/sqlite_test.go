package graph

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestClient(t *testing.T) (*SQLiteClient, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := OpenSQLite(dir)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func TestCreateNodePersists(t *testing.T) {
	c, dir := openTestClient(t)

	err := c.CreateNode([]string{"DecisionTrace"}, map[string]any{
		"key":    "DecisionTrace:abc",
		"kind":   "engine_selection",
		"nested": map[string]string{"a": "b"},
	})
	require.NoError(t, err)

	db, err := sql.Open("sqlite", filepath.Join(dir, "decisions.db"))
	require.NoError(t, err)
	defer db.Close()

	var labels, props string
	require.NoError(t, db.QueryRow(
		`SELECT labels, props FROM nodes WHERE key = ?`, "DecisionTrace:abc").
		Scan(&labels, &props))
	assert.Contains(t, labels, "DecisionTrace")
	assert.Contains(t, props, "engine_selection")
}

func TestCreateNodeUpsertsSameKey(t *testing.T) {
	c, dir := openTestClient(t)

	require.NoError(t, c.CreateNode([]string{"Engine"}, map[string]any{"key": "Engine:e1", "v": 1}))
	require.NoError(t, c.CreateNode([]string{"Engine"}, map[string]any{"key": "Engine:e1", "v": 2}))

	db, err := sql.Open("sqlite", filepath.Join(dir, "decisions.db"))
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMergeRelationIsIdempotent(t *testing.T) {
	c, dir := openTestClient(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.MergeRelation("DecisionTrace:t1", "SELECTED_ENGINE", "Engine:e1"))
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "decisions.db"))
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM relations`).Scan(&count))
	assert.Equal(t, 1, count)

	// endpoints are auto-created so relations never dangle
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestNodeKeyDerivation(t *testing.T) {
	assert.Equal(t, "Explicit:key", nodeKey([]string{"Engine"}, map[string]any{"key": "Explicit:key"}))
	assert.Equal(t, "Engine:e1", nodeKey([]string{"Engine"}, map[string]any{"id": "e1"}))
}
