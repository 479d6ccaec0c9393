package dynlib

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const fakeSelf uintptr = 0xfee1

// fakeLoader stands in for the OS loader. Files must exist on disk to be
// opened; bare names must be registered in known. Like the real loaders it
// hands out the same handle when one file is opened twice.
type fakeLoader struct {
	mu      sync.Mutex
	next    uintptr
	open    map[uintptr]string
	refs    map[uintptr]int
	known   map[string]bool
	syms    map[string]uintptr
	opened  []string
	closes  int
	failing map[string]error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		next:    0x1000,
		open:    make(map[uintptr]string),
		refs:    make(map[uintptr]int),
		known:   make(map[string]bool),
		syms:    make(map[string]uintptr),
		failing: make(map[string]error),
	}
}

func (f *fakeLoader) Open(path string) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing[path]; err != nil {
		return 0, err
	}
	if filepath.IsAbs(path) {
		fi, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		for h, p := range f.open {
			if other, err := os.Stat(p); err == nil && os.SameFile(fi, other) {
				f.opened = append(f.opened, path)
				f.refs[h]++
				return h, nil
			}
		}
	} else if !f.known[path] {
		return 0, fmt.Errorf("%s: cannot open shared object file", path)
	}
	f.next += 0x10
	f.open[f.next] = path
	f.refs[f.next] = 1
	f.opened = append(f.opened, path)
	return f.next, nil
}

func (f *fakeLoader) Sym(handle uintptr, name string) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[handle]; !ok && handle != fakeSelf {
		return 0, fmt.Errorf("invalid handle %#x", handle)
	}
	addr, ok := f.syms[name]
	if !ok {
		return 0, fmt.Errorf("undefined symbol: %s", name)
	}
	return addr, nil
}

func (f *fakeLoader) Close(handle uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[handle]; !ok {
		return fmt.Errorf("invalid handle %#x", handle)
	}
	f.closes++
	if f.refs[handle]--; f.refs[handle] == 0 {
		delete(f.open, handle)
		delete(f.refs, handle)
	}
	return nil
}

func (f *fakeLoader) Self() uintptr { return fakeSelf }

func (f *fakeLoader) Path(uintptr) string { return "" }

func (f *fakeLoader) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeLoader) closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// live returns the number of images still mapped.
func (f *fakeLoader) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

func newTestContext(t *testing.T, opts Options) (*Context, *fakeLoader) {
	t.Helper()
	fake := newFakeLoader()
	opts.loader = fake
	if opts.Config.TempDir == "" {
		opts.Config.TempDir = t.TempDir()
	}
	ctx, err := New(opts)
	if err != nil {
		t.Fatalf("Error creating context: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx, fake
}

// writeLibrary creates a placeholder library file for name in dir and
// returns its path.
func writeLibrary(t *testing.T, p Platform, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, p.FileNames(name)[0])
	if err := os.WriteFile(path, []byte("\x7fFAKE"+name), 0o755); err != nil {
		t.Fatalf("Error writing library: %v", err)
	}
	return path
}
