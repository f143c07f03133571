package qparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLiteralInvariance(t *testing.T) {
	for _, tt := range []struct {
		a string
		b string
	}{
		{
			"SELECT * FROM users WHERE id = 1",
			"SELECT * FROM users WHERE id = 42",
		},
		{
			"SELECT * FROM users WHERE name = 'alice'",
			"SELECT * FROM users WHERE name = 'bob'",
		},
		{
			"select *   from users\nwhere id = 5",
			"SELECT * FROM users WHERE id = 6",
		},
		{
			"SELECT * FROM users WHERE id = $1",
			"SELECT * FROM users WHERE id = $2",
		},
		{
			"SELECT * FROM users WHERE id = 1 -- trailing comment",
			"SELECT * FROM users WHERE id = 2",
		},
		{
			"SELECT * FROM users /* hint */ WHERE id = 1.5e3",
			"SELECT * FROM users WHERE id = 7",
		},
	} {
		assert.Equal(t, Normalize(tt.a), Normalize(tt.b), "%q vs %q", tt.a, tt.b)
		assert.Equal(t, Fingerprint(tt.a), Fingerprint(tt.b))
	}
}

func TestNormalizeStructureSensitivity(t *testing.T) {
	for _, tt := range []struct {
		a string
		b string
	}{
		{
			"SELECT * FROM users WHERE id = 1",
			"SELECT * FROM orders WHERE id = 1",
		},
		{
			"SELECT id FROM users",
			"SELECT name FROM users",
		},
		{
			"SELECT * FROM users WHERE id = 1",
			"SELECT * FROM users WHERE id = 1 ORDER BY id",
		},
		{
			"INSERT INTO t (id) VALUES (1)",
			"DELETE FROM t WHERE id = 1",
		},
	} {
		assert.NotEqual(t, Fingerprint(tt.a), Fingerprint(tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestNormalizeQuotedIdentifiers(t *testing.T) {
	/* quoted identifiers keep their exact spelling */
	assert.NotEqual(t,
		Normalize(`SELECT * FROM "Users"`),
		Normalize(`SELECT * FROM "users"`))

	/* unquoted identifiers fold to lower case */
	assert.Equal(t,
		Normalize("SELECT * FROM Users"),
		Normalize("select * from users"))
}

func TestCacheMemoizesAndBounds(t *testing.T) {
	cache := NewCache(2)

	ps1, err := cache.Parse("SELECT 1")
	assert.NoError(t, err)
	ps2, err := cache.Parse("SELECT 1")
	assert.NoError(t, err)
	assert.Same(t, ps1, ps2)
	assert.Equal(t, int64(1), cache.Hits())
	assert.Equal(t, int64(1), cache.Misses())

	_, err = cache.Parse("SELECT 2")
	assert.NoError(t, err)
	_, err = cache.Parse("SELECT 3")
	assert.NoError(t, err)
	assert.LessOrEqual(t, cache.Len(), 2)
}

func TestCacheParseError(t *testing.T) {
	cache := NewCache(10)

	_, err := cache.Parse("SELECT * FROM ((( WHERE")
	assert.Error(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestClassify(t *testing.T) {
	for _, tt := range []struct {
		query string
		exp   ParseState
	}{
		{"BEGIN", ParseStateTXBegin{}},
		{"begin;", ParseStateTXBegin{}},
		{"BEGIN READ ONLY", ParseStateTXBegin{ReadOnly: true}},
		{"COMMIT", ParseStateTXCommit{}},
		{"END;", ParseStateTXCommit{}},
		{"ROLLBACK", ParseStateTXRollback{}},
		{"abort", ParseStateTXRollback{}},
		{"SET search_path TO public", ParseStateSetStmt{Name: "search_path", Value: "public"}},
		{"SET application_name = 'app'", ParseStateSetStmt{Name: "application_name", Value: "app"}},
		{"SET LOCAL statement_timeout = 100", ParseStateSetStmt{Name: "statement_timeout", Value: "100", Local: true}},
		{"RESET search_path", ParseStateResetStmt{Name: "search_path"}},
		{"SHOW server_version", ParseStateShowStmt{Name: "server_version"}},
		{"DEALLOCATE foo", ParseStateDeallocate{Name: "foo"}},
		{"DEALLOCATE ALL", ParseStateDeallocate{}},
		{"LISTEN events", ParseStateListen{Channel: "events"}},
		{"SELECT 1", ParseStateQuery{}},
		{"", ParseStateEmptyQuery{}},
		{"INSERT INTO t VALUES (1)", ParseStateQuery{}},
	} {
		assert.Equal(t, tt.exp, Classify(tt.query), "query: %q", tt.query)
	}
}
