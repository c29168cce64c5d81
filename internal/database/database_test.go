package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"libhub/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "libhub.db")}

	db, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// повторный запуск не должен падать
	if err := Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	for _, table := range []string{"publications", "jobs", "storage_quotas"} {
		var n int
		if err := db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("table %s not created", table)
		}
	}

	insert := `INSERT INTO storage_quotas (user_id, limit_bytes, created_at, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	if _, err := db.ExecContext(ctx, insert, "u1", 10); err != nil {
		t.Fatal(err)
	}
	_, err = db.ExecContext(ctx, insert, "u1", 20)
	if !IsUniqueViolation(err) {
		t.Errorf("expected unique violation, got %v", err)
	}

	status, _ := NewReadinessChecker(db).CheckReady(ctx)
	if status != "ok" {
		t.Errorf("expected ok readiness, got %s", status)
	}
}

func TestIsUniqueViolationOther(t *testing.T) {
	if IsUniqueViolation(errors.New("boom")) {
		t.Error("plain error must not be a unique violation")
	}
	if IsUniqueViolation(nil) {
		t.Error("nil must not be a unique violation")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "mysql"}, testLogger())
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}
