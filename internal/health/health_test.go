package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Name != "cache" {
		t.Fatalf("unnamed status should take the registered name, got %q", statuses[1].Name)
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingChecker(t *testing.T) {
	ok := PingChecker("ledger", pingerFunc(func(context.Context) error { return nil }))(context.Background())
	if !ok.Healthy || ok.Name != "ledger" || ok.Detail != "" {
		t.Fatalf("healthy ping: %+v", ok)
	}

	bad := PingChecker("ledger", pingerFunc(func(context.Context) error { return errors.New("closed") }))(context.Background())
	if bad.Healthy || bad.Detail != "closed" {
		t.Fatalf("failing ping: %+v", bad)
	}
}

func TestRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var failing bool
	reg := NewRegistry()
	reg.Register("ledger", PingChecker("ledger", pingerFunc(func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})))

	router := gin.New()
	reg.RegisterRoutes(router)
	get := func(path string) int {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		return w.Code
	}

	if code := get("/health/live"); code != http.StatusOK {
		t.Fatalf("live = %d", code)
	}
	if code := get("/health/ready"); code != http.StatusServiceUnavailable {
		t.Fatalf("ready before SetReady = %d", code)
	}
	reg.SetReady(true)
	if code := get("/health/ready"); code != http.StatusOK {
		t.Fatalf("ready = %d", code)
	}
	if code := get("/health"); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}

	failing = true
	if code := get("/health/ready"); code != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing check = %d", code)
	}
	if code := get("/health"); code != http.StatusServiceUnavailable {
		t.Fatalf("health with failing check = %d", code)
	}

	reg.SetAlive(false)
	if code := get("/health/live"); code != http.StatusServiceUnavailable {
		t.Fatalf("live after SetAlive(false) = %d", code)
	}
}
