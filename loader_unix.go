//go:build darwin || freebsd || linux || netbsd

package dynlib

import (
	"fmt"

	"github.com/ebitengine/purego"
)

type dlLoader struct{}

func newOSLoader(Config) osLoader { return dlLoader{} }

func (dlLoader) Open(path string) (uintptr, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return 0, err
	}
	if h == 0 {
		return 0, fmt.Errorf("dlopen(%q) returned a nil handle", path)
	}
	return h, nil
}

func (dlLoader) Sym(handle uintptr, name string) (uintptr, error) {
	return purego.Dlsym(handle, name)
}

func (dlLoader) Close(handle uintptr) error {
	return purego.Dlclose(handle)
}

func (dlLoader) Self() uintptr { return purego.RTLD_DEFAULT }

func (dlLoader) Path(uintptr) string { return "" }
