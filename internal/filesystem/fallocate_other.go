//go:build !linux

package filesystem

import (
	"os"

	"chaincopier/internal/errors"
)

// fallocate is not available here; callers fall back to truncate
func fallocate(file *os.File, size int64) error {
	return errors.NewFileSystemError("fallocate", file.Name(),
		errors.NewValidationError("system", "fallocate", "fallocate not supported"))
}
