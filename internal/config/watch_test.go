package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalDoc = `
route:
  receiver: ops
receivers:
  - name: ops
`

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertflow.yaml")
	if err := os.WriteFile(path, []byte(minimalDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()
	time.Sleep(50 * time.Millisecond) // let the watcher attach

	if err := os.WriteFile(path, []byte(minimalDoc+"http_port: 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.HTTPPort != 9999 {
			t.Errorf("reloaded http_port: got %d, want 9999", cfg.HTTPPort)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after file write")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestWatch_BadReloadIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertflow.yaml")
	if err := os.WriteFile(path, []byte(minimalDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go Watch(ctx, path, func(cfg *Config) { reloaded <- cfg }) //nolint:errcheck
	time.Sleep(50 * time.Millisecond)

	// A document that fails validation must not reach onChange.
	if err := os.WriteFile(path, []byte("route: {receiver: ghost}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid document applied: %+v", cfg)
	case <-time.After(500 * time.Millisecond):
	}
}
