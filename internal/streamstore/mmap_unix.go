//go:build unix

package streamstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapShared maps the first size bytes of f read-write, MAP_SHARED, so
// writes are visible to every process mapping the same file.
func mmapShared(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// munmapShared unmaps a region previously returned by mmapShared.
func munmapShared(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

// msyncShared flushes dirty pages of a MAP_SHARED mapping back to the file.
func msyncShared(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}
