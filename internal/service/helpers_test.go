package service

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Strob0t/opserver/internal/adapter/ristretto"
	"github.com/Strob0t/opserver/internal/domain/session"
)

// writeOp creates <home>/<id>/operation.json with the given body.
func writeOp(t *testing.T, home, id, descriptor string) {
	t.Helper()
	dir := filepath.Join(home, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "operation.json"), []byte(descriptor), 0o644); err != nil {
		t.Fatal(err)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

// newTestDispatcher returns a dispatcher over a fresh home directory. It is
// shut down when the test ends.
func newTestDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, string) {
	t.Helper()
	home := t.TempDir()

	closed, err := ristretto.New[*session.Session](1000)
	if err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(NewDescriptors(home), closed, time.Minute, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		closed.Close()
	})
	return d, home
}

// waitStatus polls until the session reports want or the deadline passes.
func waitStatus(t *testing.T, d *Dispatcher, id string, want session.Status) session.Response {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := d.Status(context.Background(), id)
		if err == nil && resp.Status == want {
			return resp
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s: want %s, last %+v (err %v)", id, want, resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
