package demo

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shaunagostinho/fixbridge/internal/config"
	"github.com/shaunagostinho/fixbridge/internal/extract"
)

func TestSource_ExtractsWithDefaultConfig(t *testing.T) {
	fixed := time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC)
	src := NewSource(18)
	src.now = func() time.Time { return fixed }
	srv := httptest.NewServer(src)
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.TargetURL = srv.URL
	x := extract.New(srv.Client())

	first, err := x.Extract(context.Background(), cfg)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if first.SourceTime == nil || !first.SourceTime.Equal(fixed) {
		t.Errorf("expected source time %v, got %v", fixed, first.SourceTime)
	}
	if first.Altitude == nil {
		t.Error("expected altitude")
	}
	if d := first.Latitude - centerLat; d > radius || d < -radius {
		t.Errorf("latitude %f outside walk", first.Latitude)
	}

	second, err := x.Extract(context.Background(), cfg)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if first.Triplet() == second.Triplet() {
		t.Error("expected the walk to move between requests")
	}
}

func TestSource_ServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSource(18).Serve(ctx, ln) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
