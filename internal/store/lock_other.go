//go:build !unix

package store

import "os"

// Non-unix builds rely on the single terminal process owning the data
// directory; no advisory lock is taken.
func acquireLock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

func releaseLock(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
