//go:build linux

package filesystem

import (
	"os"

	"golang.org/x/sys/unix"

	"chaincopier/internal/errors"
)

// fallocate reserves size bytes and extends the file to that length
func fallocate(file *os.File, size int64) error {
	if err := unix.Fallocate(int(file.Fd()), 0, 0, size); err != nil {
		return errors.NewFileSystemError("fallocate", file.Name(), err)
	}
	return nil
}
