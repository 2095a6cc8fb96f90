//go:build linux

package disk

import (
	"os"
	"syscall"
)

// syncFile flushes file data to stable storage before the rename.
func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return syscall.Fdatasync(int(file.Fd()))
}
