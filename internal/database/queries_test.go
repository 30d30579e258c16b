package database

import (
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	createTableRe = regexp.MustCompile(`(?s)CREATE TABLE (\w+) \((.*?)\);`)
	columnLineRe  = regexp.MustCompile(`(?m)^\s*([a-z_]+)`)
	stringLitRe   = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	insertRe      = regexp.MustCompile(`INSERT INTO (\w+) \(([^)]+)\)`)
	updateRe      = regexp.MustCompile(`UPDATE (\w+) SET (.+)`)
	selectRe      = regexp.MustCompile(`SELECT (.*?) FROM (\w+)`)
	assignRe      = regexp.MustCompile(`([a-z_]+) =`)
	bareIdentRe   = regexp.MustCompile(`^[a-z_]+$`)
)

// migrationColumns parses the schema migration into table -> column set.
func migrationColumns(t *testing.T) map[string]map[string]bool {
	t.Helper()

	sql, err := os.ReadFile("../../migrations/000001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}

	constraintKeywords := map[string]bool{
		"unique": true, "primary": true, "foreign": true,
		"constraint": true, "check": true,
	}

	tables := make(map[string]map[string]bool)
	for _, m := range createTableRe.FindAllStringSubmatch(string(sql), -1) {
		cols := make(map[string]bool)
		for _, line := range strings.Split(m[2], ",") {
			cm := columnLineRe.FindStringSubmatch(line)
			if cm == nil || constraintKeywords[cm[1]] {
				continue
			}
			cols[cm[1]] = true
		}
		tables[m[1]] = cols
	}

	if len(tables) == 0 {
		t.Fatal("no tables parsed from the migration")
	}
	return tables
}

// Every column a query names must exist in the migration. The repository is
// only ever tested through mocks elsewhere, so a drifted column name would
// otherwise surface first in production.
func Test_queriesMatchSchema(t *testing.T) {
	tables := migrationColumns(t)

	src, err := os.ReadFile("queries.go")
	if err != nil {
		t.Fatalf("read queries.go: %v", err)
	}

	checkColumn := func(table, col, literal string) {
		cols, ok := tables[table]
		if assert.True(t, ok, "query %q targets unknown table %q", literal, table) {
			assert.True(t, cols[col],
				"query %q references column %s.%s absent from the migration", literal, table, col)
		}
	}

	var checked int
	for _, lit := range stringLitRe.FindAllStringSubmatch(string(src), -1) {
		stmt := lit[1]

		if m := insertRe.FindStringSubmatch(stmt); m != nil {
			for _, col := range strings.Split(m[2], ",") {
				checkColumn(m[1], strings.TrimSpace(col), stmt)
				checked++
			}
		}

		if m := updateRe.FindStringSubmatch(stmt); m != nil {
			set := m[2]
			if i := strings.Index(set, " WHERE "); i >= 0 {
				set = set[:i]
			}
			for _, am := range assignRe.FindAllStringSubmatch(set, -1) {
				checkColumn(m[1], am[1], stmt)
				checked++
			}
		}

		if m := selectRe.FindStringSubmatch(stmt); m != nil {
			for _, col := range strings.Split(m[1], ",") {
				col = strings.TrimSpace(col)
				// aliased or computed columns are out of scope here
				if !bareIdentRe.MatchString(col) {
					continue
				}
				checkColumn(m[2], col, stmt)
				checked++
			}
		}
	}

	assert.Greater(t, checked, 30, "expected the scan to cover the query surface")
}

// The register/login column set in particular: these queries are only
// reachable through a live database, so pin them to the schema explicitly.
func Test_accountQueriesMatchSchema(t *testing.T) {
	tables := migrationColumns(t)

	src, err := os.ReadFile("queries.go")
	if err != nil {
		t.Fatalf("read queries.go: %v", err)
	}

	assert.True(t, tables["accounts"]["email_address"])
	assert.False(t, tables["accounts"]["email"])
	assert.NotContains(t, string(src), " email,", "accounts queries must use email_address")
	assert.NotContains(t, string(src), "WHERE email =", "accounts queries must use email_address")

	// updated_at is NOT NULL with no default, so the insert must supply it
	insert := insertRe.FindStringSubmatch(string(src))
	if assert.NotNil(t, insert) {
		assert.Equal(t, "accounts", insert[1])
		assert.Contains(t, insert[2], "updated_at")
	}
}
