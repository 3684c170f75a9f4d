// Package shmem provides the POSIX shared-memory primitives the control
// and data-plane processes use to exchange the lookup table: a named
// region under /dev/shm, opened read-write by the control process and
// read-only by the data plane, with no coordinating lock (see
// SPEC_FULL.md §6 / spec.md §5).
package shmem

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Dir is where named POSIX shared-memory objects live on Linux; it is
// what glibc's shm_open ultimately resolves to.
const Dir = "/dev/shm"

func path(name string) string {
	return filepath.Join(Dir, name)
}

// Create opens (creating if absent) a read-write named region of
// exactly size bytes and maps it into the caller's address space.
func Create(name string, size int) ([]byte, error) {
	fd, err := unix.Open(path(name), unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", name, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, fmt.Errorf("shmem: ftruncate %s: %w", name, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", name, err)
	}
	return data, nil
}

// OpenReadWrite maps an existing named region read-write.
func OpenReadWrite(name string, size int) ([]byte, error) {
	return open(name, size, unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE)
}

// OpenReadOnly maps an existing named region read-only. This is the
// handle the data-plane process holds for its lifetime.
func OpenReadOnly(name string, size int) ([]byte, error) {
	return open(name, size, unix.O_RDONLY, unix.PROT_READ)
}

func open(name string, size, flags int, prot int) ([]byte, error) {
	fd, err := unix.Open(path(name), flags, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: open %s: %w", name, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %s: %w", name, err)
	}
	return data, nil
}

// Unmap releases a mapping returned by Create/OpenReadWrite/OpenReadOnly.
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

// Unlink destroys the named region. Any process still holding a mapping
// keeps its view until it unmaps; new opens will fail.
func Unlink(name string) error {
	if err := unix.Unlink(path(name)); err != nil {
		return fmt.Errorf("shmem: unlink %s: %w", name, err)
	}
	return nil
}
