//go:build windows

package dynlib

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/windows"
)

type winLoader struct {
	altered bool
}

func newOSLoader(cfg Config) osLoader {
	return winLoader{altered: cfg.dependentSearch(OSWindows)}
}

// Open uses LoadLibraryEx so that, for absolute paths, dependent DLLs are
// looked up next to the library before the system search path.
func (l winLoader) Open(path string) (uintptr, error) {
	var flags uintptr
	if l.altered && filepath.IsAbs(path) {
		flags = windows.LOAD_WITH_ALTERED_SEARCH_PATH
	}
	h, err := windows.LoadLibraryEx(path, 0, flags)
	if err != nil {
		return 0, fmt.Errorf("LoadLibraryEx(%q): %w", path, err)
	}
	return uintptr(h), nil
}

func (winLoader) Sym(handle uintptr, name string) (uintptr, error) {
	proc, err := windows.GetProcAddress(windows.Handle(handle), name)
	if err != nil {
		return 0, fmt.Errorf("GetProcAddress(%q): %w", name, err)
	}
	return proc, nil
}

func (winLoader) Close(handle uintptr) error {
	return windows.FreeLibrary(windows.Handle(handle))
}

func (winLoader) Self() uintptr {
	var h windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &h); err != nil {
		return 0
	}
	return uintptr(h)
}

func (winLoader) Path(handle uintptr) string {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetModuleFileName(windows.Handle(handle), &buf[0], uint32(len(buf)))
	if err != nil || n == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:n])
}
