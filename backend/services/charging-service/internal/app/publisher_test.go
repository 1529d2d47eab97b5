package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"evpay/backend/services/charging-service/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []models.StatusUpdate
	cleared []int64
	err     error
}

func (r *recordingSink) PublishStatus(_ context.Context, u models.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return r.err
}

func (r *recordingSink) ClearStatus(_ context.Context, id, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, id)
	return r.err
}

func TestFanoutReachesEverySinkDespiteFailures(t *testing.T) {
	broken := &recordingSink{err: errors.New("redis down")}
	healthy := &recordingSink{}
	f := fanout{broken, healthy}

	err := f.PublishStatus(context.Background(), models.StatusUpdate{SessionID: 7})
	if err == nil || !errors.Is(err, broken.err) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(healthy.updates) != 1 || healthy.updates[0].SessionID != 7 {
		t.Fatalf("healthy sink got %+v", healthy.updates)
	}

	if err := (fanout{healthy}).ClearStatus(context.Background(), 7, 10); err != nil {
		t.Fatalf("ClearStatus: %v", err)
	}
	if len(healthy.cleared) != 1 {
		t.Fatalf("cleared = %v", healthy.cleared)
	}
}
