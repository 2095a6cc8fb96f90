//go:build !unix

package disk

import "os"

// tryLockFile is a stub on non-Unix platforms; only the in-process mutex
// serializes writers there.
func tryLockFile(f *os.File) (bool, error) { return true, nil }

// unlockFile is a stub counterpart to tryLockFile.
func unlockFile(f *os.File) error { return nil }
