//go:build integration

package event

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	domain "github.com/ahmethakanbesel/barwatch/internal/event"
	"github.com/ahmethakanbesel/barwatch/internal/platform/mongo"
)

// TestMongoRepository runs against a live server when MONGODB_TEST_URI is set.
func TestMongoRepository(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	ctx := context.Background()

	client, err := mongo.Connect(ctx, uri)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	db := client.Database("barwatch_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = mongo.Disconnect(client)
	})

	repo := NewMongoRepository(db)
	if err := repo.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}

	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	out, err := repo.Save(ctx, sampleEvent(ts))
	if err != nil || out != domain.Created {
		t.Fatalf("save: out=%s err=%v", out, err)
	}
	out, err = repo.Save(ctx, sampleEvent(ts))
	if err != nil || out != domain.Duplicate {
		t.Fatalf("save duplicate: out=%s err=%v", out, err)
	}

	events, err := repo.List(ctx, domain.ListFilter{Instrument: "EUR_USD"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}
