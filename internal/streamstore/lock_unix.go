//go:build unix

package streamstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive takes a whole-file (byte range [0,0], by convention) OS
// advisory exclusive lock on f, blocking until it is available.
func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// lockShared takes a whole-file OS advisory shared lock on f, blocking
// until it is available.
func lockShared(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH)
}

// unlockFile releases whichever advisory lock f currently holds.
func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
