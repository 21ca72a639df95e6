package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestKeyed_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	k := New(2, 3, WithClock(clk.now))
	for i := 0; i < 3; i++ {
		if !k.Allow("conn-1") {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if k.Allow("conn-1") {
		t.Fatal("request over burst allowed")
	}
	if !k.Allow("conn-2") {
		t.Fatal("keys must not share a bucket")
	}
	clk.advance(500 * time.Millisecond)
	if !k.Allow("conn-1") {
		t.Fatal("bucket did not refill")
	}
}

func TestKeyed_SweepsIdleKeys(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	k := New(1, 1, WithClock(clk.now), WithIdleTTL(time.Minute))
	k.Allow("a")
	k.Allow("b")
	clk.advance(2 * time.Minute)
	k.Allow("c")
	if k.Len() != 1 {
		t.Fatalf("keys=%d want 1", k.Len())
	}
}

func TestKeyed_Unlimited(t *testing.T) {
	k := New(0, 0)
	for i := 0; i < 1000; i++ {
		if !k.Allow("x") {
			t.Fatal("unlimited limiter denied")
		}
	}
	var nilK *Keyed
	if !nilK.Allow("x") {
		t.Fatal("nil limiter denied")
	}
}

func TestMiddleware(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	k := New(1, 1, WithClock(clk.now))
	h := k.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:50000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status=%d", rec.Code)
	}

	// same IP, different port: same key
	req.RemoteAddr = "192.0.2.10:50001"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d", rec.Code)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != "too_many_requests" {
		t.Fatalf("code=%q", body.Error.Code)
	}
}
