//go:build linux

package workload

import (
	"os"

	"golang.org/x/sys/unix"
)

func dropCache(f *os.File, size int64) error {
	return unix.Fadvise(int(f.Fd()), 0, size, unix.FADV_DONTNEED)
}
