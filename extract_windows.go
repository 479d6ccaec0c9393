//go:build windows

package dynlib

import "os"

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, tempPrefix+"check*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
