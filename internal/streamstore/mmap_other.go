//go:build !unix

package streamstore

import "os"

func mmapShared(f *os.File, size int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func munmapShared(data []byte) error { return errUnsupportedPlatform }

func msyncShared(data []byte) error { return errUnsupportedPlatform }
