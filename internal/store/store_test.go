package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/veil/internal/types"
)

func TestQueryWhere(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		q        Query
		want     string
		wantArgs int
	}{
		{"Empty", Query{}, "", 0},
		{"Category", Query{Category: "porn"}, " WHERE category = $1", 1},
		{"Range and category", Query{Since: since, Until: since.Add(time.Hour), Category: "sexy"},
			" WHERE ts >= $1 AND ts < $2 AND category = $3", 3},
		{"Session only", Query{SessionID: "abc"}, " WHERE session_id = $1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := tt.q.where()
			if got != tt.want {
				t.Errorf("where = %q, want %q", got, tt.want)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("args = %v, want %d", args, tt.wantArgs)
			}
		})
	}
}

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("veil_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := Connect(ctx, connStr, 3, nil)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	now := time.Now().UTC().Truncate(time.Millisecond)
	old := now.Add(-48 * time.Hour)
	seed := []types.FilterEvent{
		{SessionID: "s1", Timestamp: old, Category: "porn", Confidence: 0.97, Action: types.ActionBlur},
		{SessionID: "s1", Timestamp: now.Add(-time.Minute), Category: "sexy", Confidence: 0.9, Action: types.ActionBlur},
		{SessionID: "s2", Timestamp: now, Category: "porn", Confidence: 0.8, Action: types.ActionPixelate},
	}
	for _, e := range seed {
		if err := s.InsertEvent(ctx, e); err != nil {
			t.Fatalf("InsertEvent failed: %v", err)
		}
	}

	all, err := s.ListEvents(ctx, Query{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(all))
	}
	if all[0].Action != types.ActionPixelate || all[0].SessionID != "s2" {
		t.Errorf("Expected newest event first, got %+v", all[0])
	}
	if all[0].ID <= 0 {
		t.Errorf("Expected positive ID, got %d", all[0].ID)
	}

	porn, err := s.ListEvents(ctx, Query{Category: "porn", Limit: 1})
	if err != nil {
		t.Fatalf("ListEvents by category failed: %v", err)
	}
	if len(porn) != 1 || porn[0].Confidence < 0.79 || porn[0].Confidence > 0.81 {
		t.Errorf("Unexpected category result %+v", porn)
	}

	recent, err := s.CountEvents(ctx, Query{Since: now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("CountEvents failed: %v", err)
	}
	if recent != 2 {
		t.Errorf("Expected 2 recent events, got %d", recent)
	}

	byCat, err := s.CountByCategory(ctx)
	if err != nil {
		t.Fatalf("CountByCategory failed: %v", err)
	}
	if len(byCat) != 2 || byCat[0].Category != "porn" || byCat[0].Count != 2 {
		t.Errorf("Unexpected category counts %+v", byCat)
	}

	deleted, err := s.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 pruned event, got %d", deleted)
	}

	deleted, err = s.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("Expected 2 deleted events, got %d", deleted)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.CountEvents(ctx, Query{}); err == nil || !strings.Contains(err.Error(), "filter_events") {
		t.Errorf("Expected missing table error after Reset, got %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
