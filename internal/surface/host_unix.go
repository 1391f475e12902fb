//go:build unix

package surface

import "golang.org/x/sys/unix"

// allocHost maps anonymous pages so large surfaces stay outside the Go heap.
func allocHost(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func freeHost(data []byte) error {
	return unix.Munmap(data)
}
