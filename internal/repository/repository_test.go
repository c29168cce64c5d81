package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"libhub/internal/config"
	"libhub/internal/database"
	"libhub/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	cfg := config.DatabaseConfig{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "test.db")}
	db, err := database.Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

// openPostgres запускает PostgreSQL в Docker через testcontainers.
func openPostgres(t *testing.T) *sqlx.DB {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("libhub_test"),
		postgres.WithUsername("libhub"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	cfg := config.DatabaseConfig{
		Driver:       database.DriverPostgres,
		Host:         host,
		Port:         port.Port(),
		User:         "libhub",
		Password:     "test-password",
		Name:         "libhub_test",
		SSLMode:      "disable",
		MaxOpenConns: 10,
	}
	db, err := database.Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(cfg, testLogger()); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	return db
}

// forEachDB прогоняет тест на SQLite и, при TEST_INTEGRATION, на PostgreSQL.
func forEachDB(t *testing.T, fn func(t *testing.T, db *sqlx.DB)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
	t.Run("postgres", func(t *testing.T) { fn(t, openPostgres(t)) })
}

func intp(v int) *int { return &v }

func newPublication(userID, path string, year, month, day int) *domain.Publication {
	return &domain.Publication{
		UserID:           userID,
		Name:             "report",
		Title:            "Report",
		OriginalFilename: "report.pdf",
		FilePath:         path,
		URL:              "/storage/" + path,
		MIMEType:         "application/pdf",
		SizeBytes:        100,
		Checksum:         "abc",
		Year:             year,
		Month:            month,
		Day:              day,
	}
}

func TestPublicationRepository(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *sqlx.DB) {
		ctx := context.Background()
		repo := NewPublicationRepository(db)

		p := newPublication("u1", "publications/report/2023/07/22/report.pdf", 2023, 7, 22)
		p.Page = intp(5)
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if p.ID == uuid.Nil {
			t.Fatal("ID not assigned")
		}

		got, err := repo.GetByID(ctx, p.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.FilePath != p.FilePath || got.Page == nil || *got.Page != 5 || got.Description != nil {
			t.Errorf("unexpected record: %+v", got)
		}

		dup := newPublication("u2", p.FilePath, 2023, 7, 22)
		if err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("expected ErrDuplicate, got %v", err)
		}

		if err := repo.SetThumbnail(ctx, p.ID, "thumbnails/"+p.ID.String()+".jpg"); err != nil {
			t.Fatalf("SetThumbnail: %v", err)
		}
		paths, err := repo.ListPaths(ctx)
		if err != nil {
			t.Fatalf("ListPaths: %v", err)
		}
		if len(paths) != 2 {
			t.Errorf("expected 2 paths, got %v", paths)
		}

		used, err := repo.SumSizeByUser(ctx, "u1")
		if err != nil || used != 100 {
			t.Errorf("SumSizeByUser: %d %v", used, err)
		}

		if err := repo.Delete(ctx, p.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := repo.Delete(ctx, p.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete: expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetByID(ctx, p.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetByID after delete: expected ErrNotFound, got %v", err)
		}
	})
}

func TestPublicationRepositoryList(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *sqlx.DB) {
		ctx := context.Background()
		repo := NewPublicationRepository(db)

		fixtures := []*domain.Publication{
			newPublication("u1", "p/a", 2022, 1, 5),
			newPublication("u1", "p/b", 2023, 7, 1),
			newPublication("u1", "p/c", 2023, 7, 22),
			newPublication("u1", "p/d", 2023, 2, 10),
			newPublication("u2", "p/e", 2023, 7, 30),
		}
		for _, p := range fixtures {
			if err := repo.Create(ctx, p); err != nil {
				t.Fatal(err)
			}
		}

		items, total, err := repo.List(ctx, domain.PublicationFilter{UserID: "u1", Limit: 10})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if total != 4 || len(items) != 4 {
			t.Fatalf("expected 4 items, got %d (total %d)", len(items), total)
		}
		order := []string{"p/c", "p/b", "p/d", "p/a"}
		for i, want := range order {
			if items[i].FilePath != want {
				t.Errorf("position %d: expected %s, got %s", i, want, items[i].FilePath)
			}
		}

		items, total, err = repo.List(ctx, domain.PublicationFilter{UserID: "u1", Year: intp(2023), Month: intp(7), Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("List filtered: %v", err)
		}
		if total != 2 || len(items) != 1 || items[0].FilePath != "p/b" {
			t.Errorf("unexpected filtered page: total=%d items=%v", total, items)
		}
	})
}

func TestJobRepositoryLifecycle(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *sqlx.DB) {
		ctx := context.Background()
		repo := NewJobRepository(db)

		job := &domain.Job{Type: "test", Payload: []byte(`{"a":1}`), MaxAttempts: 3}
		if err := repo.Create(ctx, job); err != nil {
			t.Fatalf("Create: %v", err)
		}

		claimed, err := repo.Claim(ctx, time.Minute)
		if err != nil || claimed == nil {
			t.Fatalf("Claim: %v %v", claimed, err)
		}
		if claimed.ID != job.ID || claimed.Attempts != 1 || claimed.Status != domain.JobRunning {
			t.Errorf("unexpected claimed job: %+v", claimed)
		}
		if string(claimed.Payload) != `{"a":1}` {
			t.Errorf("payload mismatch: %s", claimed.Payload)
		}

		// задача невидима до истечения таймаута
		again, err := repo.Claim(ctx, time.Minute)
		if err != nil || again != nil {
			t.Fatalf("expected no visible job, got %v %v", again, err)
		}

		if err := repo.Retry(ctx, job.ID, "boom", time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		claimed, err = repo.Claim(ctx, time.Minute)
		if err != nil || claimed == nil || claimed.Attempts != 2 {
			t.Fatalf("reclaim: %+v %v", claimed, err)
		}

		result := `{"publication_id":"x"}`
		if err := repo.Complete(ctx, job.ID, &result); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		stored, err := repo.GetByID(ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status != domain.JobCompleted || stored.Result == nil || *stored.Result != result || stored.LastError != nil {
			t.Errorf("unexpected stored job: %+v", stored)
		}

		counts, err := repo.CountByStatus(ctx)
		if err != nil || counts[domain.JobCompleted] != 1 {
			t.Errorf("CountByStatus: %v %v", counts, err)
		}

		n, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(time.Minute))
		if err != nil || n != 1 {
			t.Errorf("DeleteFinishedBefore: %d %v", n, err)
		}
		if _, err := repo.GetByID(ctx, job.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestJobRepositoryFail(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *sqlx.DB) {
		ctx := context.Background()
		repo := NewJobRepository(db)

		job := &domain.Job{Type: "test", Payload: []byte("{}"), MaxAttempts: 1}
		if err := repo.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
		if _, err := repo.Claim(ctx, time.Minute); err != nil {
			t.Fatal(err)
		}
		if err := repo.Fail(ctx, job.ID, "permanent"); err != nil {
			t.Fatalf("Fail: %v", err)
		}

		stored, _ := repo.GetByID(ctx, job.ID)
		if stored.Status != domain.JobFailed || stored.LastError == nil || *stored.LastError != "permanent" {
			t.Errorf("unexpected failed job: %+v", stored)
		}

		// упавшая задача больше не выдаётся
		claimed, err := repo.Claim(ctx, 0)
		if err != nil || claimed != nil {
			t.Errorf("failed job must not be claimed: %v %v", claimed, err)
		}

		if err := repo.Fail(ctx, uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown job, got %v", err)
		}
	})
}

func TestJobRepositoryConcurrentClaim(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *sqlx.DB) {
		ctx := context.Background()
		repo := NewJobRepository(db)

		const jobs = 20
		for i := 0; i < jobs; i++ {
			if err := repo.Create(ctx, &domain.Job{Type: "test", Payload: []byte("{}"), MaxAttempts: 3}); err != nil {
				t.Fatal(err)
			}
		}

		var (
			mu   sync.Mutex
			seen = make(map[uuid.UUID]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := repo.Claim(ctx, time.Minute)
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					seen[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != jobs {
			t.Errorf("expected %d distinct jobs, got %d", jobs, len(seen))
		}
		for id, n := range seen {
			if n != 1 {
				t.Errorf("job %s claimed %d times", id, n)
			}
		}
	})
}

func TestStorageQuotaRepository(t *testing.T) {
	forEachDB(t, func(t *testing.T, db *sqlx.DB) {
		ctx := context.Background()
		repo := NewStorageQuotaRepository(db)

		q, err := repo.GetQuota(ctx, "u1", 1000)
		if err != nil {
			t.Fatalf("GetQuota: %v", err)
		}
		if q.LimitBytes != 1000 || q.ID == 0 {
			t.Errorf("unexpected quota: %+v", q)
		}

		if err := repo.UpdateQuotaLimit(ctx, "u1", 2000); err != nil {
			t.Fatalf("UpdateQuotaLimit: %v", err)
		}
		q, err = repo.GetQuota(ctx, "u1", 1000)
		if err != nil || q.LimitBytes != 2000 {
			t.Errorf("limit not updated: %+v %v", q, err)
		}

		if err := repo.UpdateQuotaLimit(ctx, "nobody", 1); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
