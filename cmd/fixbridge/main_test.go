package main

import (
	"testing"

	"github.com/shaunagostinho/fixbridge/internal/config"
)

func TestApplyListen(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"0.0.0.0:8080", "0.0.0.0", 8080, false},
		{":9000", "127.0.0.1", 9000, false},
		{"localhost", "", 0, true},
		{"host:http", "", 0, true},
	}
	for _, tt := range tests {
		cfg := config.DefaultConfig()
		err := applyListen(cfg, tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: expected err=%v, got %v", tt.addr, tt.wantErr, err)
			continue
		}
		if tt.wantErr {
			continue
		}
		if cfg.BindHost != tt.wantHost || cfg.BindPort != tt.wantPort {
			t.Errorf("%s: expected %s:%d, got %s:%d", tt.addr, tt.wantHost, tt.wantPort, cfg.BindHost, cfg.BindPort)
		}
	}
}

func TestBuildSinks_FileOnlyByDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	sinks := buildSinks(config.NewStore(cfg, ""), cfg)
	if len(sinks) != 1 || sinks[0].Name != "file" {
		t.Errorf("expected only the file sink, got %+v", sinks)
	}
}
