package provider

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mappedFile is a read-only private mapping of a whole file.
type mappedFile struct {
	data []byte
}

func mapFile(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	size := fi.Size()
	if size == 0 {
		// mmap rejects zero-length mappings
		return &mappedFile{data: []byte{}}, nil
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("file %s is too large to map", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &mappedFile{data: data}, nil
}

func (m *mappedFile) Close() error {
	if m == nil || len(m.data) == 0 {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
