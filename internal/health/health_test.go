package health

import (
	"context"
	"testing"
)

func TestCheckAll_AllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("ledger", func(ctx context.Context) Status {
		return Status{Name: "ledger", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("expected aggregate healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestCheckAll_OneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("db", func(ctx context.Context) Status {
		return Status{Name: "db", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("expected aggregate unhealthy")
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("expected detail passed through, got %q", statuses[1].Detail)
	}
}

func TestCheckAll_Empty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 0 {
		t.Error("empty registry should be healthy with no statuses")
	}
}
