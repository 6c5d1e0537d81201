package service

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Strob0t/opserver/internal/domain"
)

func TestDescriptorsLazyLoad(t *testing.T) {
	home := t.TempDir()
	r := NewDescriptors(home)

	if _, err := r.Get("later"); !errors.Is(err, domain.ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound before the descriptor exists, got %v", err)
	}

	writeOp(t, home, "later", `{"command": ["true"]}`)
	d, err := r.Get("later")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.ID != "later" || d.WorkingDirectory != filepath.Join(home, "later") {
		t.Errorf("unexpected descriptor %+v", d)
	}

	again, err := r.Get("later")
	if err != nil || again != d {
		t.Errorf("second Get should return the cached descriptor")
	}
}

func TestDescriptorsConcurrentGetSharesLoad(t *testing.T) {
	home := t.TempDir()
	writeOp(t, home, "shared", `{"command": ["true"]}`)
	r := NewDescriptors(home)

	const n = 16
	var wg sync.WaitGroup
	got := make([]any, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.Get("shared")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			got[i] = d
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatal("concurrent loads returned different descriptors")
		}
	}
}

func TestDescriptorsPreload(t *testing.T) {
	home := t.TempDir()
	writeOp(t, home, "b", `{"command": ["true"]}`)
	writeOp(t, home, "a", `{"command": ["true"]}`)
	writeOp(t, home, "bad", `{"command": []}`)
	if err := os.MkdirAll(filepath.Join(home, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewDescriptors(home)
	n, err := r.Preload()
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 loaded descriptors, got %d", n)
	}

	list := r.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("expected [a b], got %v", list)
	}
}

func TestDescriptorsPreloadMissingHome(t *testing.T) {
	r := NewDescriptors(filepath.Join(t.TempDir(), "absent"))
	if _, err := r.Preload(); err == nil {
		t.Error("expected error for a missing home directory")
	}
}

func TestDescriptorsBrokenFile(t *testing.T) {
	home := t.TempDir()
	writeOp(t, home, "broken", `{"command": `)
	r := NewDescriptors(home)

	_, err := r.Get("broken")
	if !errors.Is(err, domain.ErrInternal) {
		t.Errorf("expected ErrInternal for an unparsable descriptor, got %v", err)
	}
	if errors.Is(err, domain.ErrOperationNotFound) {
		t.Error("a broken descriptor is not a missing one")
	}
}

func TestDescriptorsInvalidID(t *testing.T) {
	r := NewDescriptors(t.TempDir())
	for _, id := range []string{"", "..", "a/b", ".hidden"} {
		if _, err := r.Get(id); !errors.Is(err, domain.ErrOperationNotFound) {
			t.Errorf("%q: expected ErrOperationNotFound, got %v", id, err)
		}
	}
}
