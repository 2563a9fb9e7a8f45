//go:build !unix

package streamstore

import (
	"errors"
	"os"
)

// errUnsupportedPlatform is returned by the advisory-locking primitives on
// platforms without POSIX flock(2) semantics. The core stream log relies on
// whole-file advisory locks and has no portable fallback.
var errUnsupportedPlatform = errors.New("streamstore: advisory file locking is not supported on this platform")

func lockExclusive(*os.File) error { return errUnsupportedPlatform }
func lockShared(*os.File) error    { return errUnsupportedPlatform }
func unlockFile(*os.File) error    { return errUnsupportedPlatform }
