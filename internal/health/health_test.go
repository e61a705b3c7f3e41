package health

import (
	"context"
	"sync"
	"testing"
)

func TestCheckAllEmptyRegistry(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses = %d, want 0", len(statuses))
	}
}

func TestCheckAllHealthySubsystems(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("registry", func(context.Context) Status {
		return Status{Name: "registry", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("CheckAll should report healthy when every check passes")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(statuses))
	}
	if statuses[0].Name != "database" {
		t.Fatalf("statuses[0].Name = %q, want database (registration order)", statuses[0].Name)
	}
}

func TestCheckAllOneFailureDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("registry", func(context.Context) Status {
		return Status{Name: "registry", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("CheckAll should report unhealthy when any check fails")
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("Detail = %q, want connection refused", statuses[1].Detail)
	}
}

func TestRegistryIsConcurrencySafe(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("probe", func(context.Context) Status {
				return Status{Name: "probe", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}
