package dynlib

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var errUnknownFormat = errors.New("not an ELF, Mach-O or PE object")

// neededLibraries lists the shared libraries an object file declares as
// load-time dependencies.
func neededLibraries(path string) ([]string, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return f.ImportedLibraries()
	}
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return f.ImportedLibraries()
	}
	if f, err := macho.OpenFat(path); err == nil {
		defer f.Close()
		if len(f.Arches) > 0 {
			return f.Arches[0].ImportedLibraries()
		}
		return nil, nil
	}
	if f, err := pe.Open(path); err == nil {
		defer f.Close()
		return f.ImportedLibraries()
	}
	return nil, errUnknownFormat
}

// siblingDependencies returns the dependencies of the library at path that
// exist in the same directory.
func siblingDependencies(needed func(string) ([]string, error), path string) []string {
	libs, err := needed(path)
	if err != nil {
		return nil
	}
	dir := filepath.Dir(path)
	var out []string
	for _, lib := range libs {
		// Mach-O records install names such as @rpath/libfoo.dylib.
		base := filepath.Base(strings.ReplaceAll(lib, "\\", "/"))
		candidate := filepath.Join(dir, base)
		if candidate == path {
			continue
		}
		if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
			out = append(out, candidate)
		}
	}
	return out
}
