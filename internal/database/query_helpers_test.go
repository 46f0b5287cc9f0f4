package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// mockLogger is a simple test logger that doesn't write to files
type mockLogger struct {
	errors int
}

func (m *mockLogger) Error(msg, category string) { m.errors++ }
func (m *mockLogger) Info(msg, category string)  {}
func (m *mockLogger) Warn(msg, category string)  {}

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) (*sql.DB, *mockLogger) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE test_table (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			value INTEGER
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create test table: %v", err)
	}

	return db, &mockLogger{}
}

type testRow struct {
	ID    int64
	Name  string
	Value int
}

func TestQueryRowSingle(t *testing.T) {
	db, logger := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec("INSERT INTO test_table (name, value) VALUES (?, ?)", "test1", 100); err != nil {
		t.Fatalf("Failed to insert test data: %v", err)
	}

	scan := func(row *sql.Row) (*testRow, error) {
		var r testRow
		err := row.Scan(&r.ID, &r.Name, &r.Value)
		return &r, err
	}

	t.Run("successful query", func(t *testing.T) {
		result, err := QueryRowSingle(ctx, db, "SELECT id, name, value FROM test_table WHERE name = ?", scan, logger, "test", "test1")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if result == nil || result.Value != 100 {
			t.Errorf("Got %+v, want value 100", result)
		}
	})

	t.Run("no rows", func(t *testing.T) {
		result, err := QueryRowSingle(ctx, db, "SELECT id, name, value FROM test_table WHERE name = ?", scan, logger, "test", "missing")
		if err != nil || result != nil {
			t.Errorf("Got %+v, %v; want nil, nil", result, err)
		}
	})

	t.Run("bad query", func(t *testing.T) {
		before := logger.errors
		if _, err := QueryRowSingle(ctx, db, "SELECT nope FROM test_table", scan, logger, "test"); err == nil {
			t.Error("Expected an error")
		}
		if logger.errors != before+1 {
			t.Error("Expected the error to be logged")
		}
	})
}

func TestQueryRows(t *testing.T) {
	db, logger := setupTestDB(t)
	ctx := context.Background()

	for i, name := range []string{"a", "b", "c"} {
		if _, err := db.Exec("INSERT INTO test_table (name, value) VALUES (?, ?)", name, i); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := QueryRows(ctx, db, "SELECT id, name, value FROM test_table ORDER BY id",
		func(rows *sql.Rows) (*testRow, error) {
			var r testRow
			if err := rows.Scan(&r.ID, &r.Name, &r.Value); err != nil {
				return nil, err
			}
			if r.Name == "b" {
				return nil, errors.New("skip me")
			}
			return &r, nil
		}, logger, "test")
	if err != nil {
		t.Fatalf("QueryRows() failed: %v", err)
	}
	if len(rows) != 2 || rows[0].Name != "a" || rows[1].Name != "c" {
		t.Errorf("Got %+v, want a and c", rows)
	}
}

func TestExecWithAffectedRowsCheck(t *testing.T) {
	db, logger := setupTestDB(t)
	ctx := context.Background()

	if _, err := ExecWithLogging(ctx, db, "INSERT INTO test_table (name, value) VALUES (?, ?)", logger, "test", "x", 1); err != nil {
		t.Fatal(err)
	}

	n, err := ExecWithAffectedRowsCheck(ctx, db, "UPDATE test_table SET value = 2 WHERE name = ?", logger, "test", "x")
	if err != nil || n != 1 {
		t.Errorf("Got %d, %v; want 1 row", n, err)
	}

	if _, err := ExecWithAffectedRowsCheck(ctx, db, "UPDATE test_table SET value = 2 WHERE name = ?", logger, "test", "y"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Got %v, want sql.ErrNoRows", err)
	}
}

func TestNullableConversions(t *testing.T) {
	if ScanNullableString(sql.NullString{}) != "" || ScanNullableString(NullableString("v")) != "v" {
		t.Error("String conversion mismatch")
	}
	if NullableString("").Valid {
		t.Error("Empty string should be NULL")
	}

	now := time.Now()
	if got := ScanNullableTime(NullableTime(&now)); got == nil || !got.Equal(now) {
		t.Errorf("Time round trip = %v, want %v", got, now)
	}
	if ScanNullableTime(NullableTime(nil)) != nil {
		t.Error("nil time should stay nil")
	}
}
