package strongroom

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
)

// eraseChunkSize is the write granularity of the secure eraser
const eraseChunkSize = 64 * 1024

// SecureDelete overwrites a file with zeros, then ones, then random bytes,
// syncing after each pass, then truncates and unlinks it. Intended for
// transient plaintext staging files and user-initiated deletion; vault
// containers are never erased this way during normal operation.
//
// On journaled or copy-on-write filesystems the overwrite passes cannot
// guarantee the old blocks are gone, but they bound the exposure on the
// common direct-overwrite case.
func SecureDelete(fs absfs.FileSystem, path string) error {
	info, err := fs.Stat(path)
	if err != nil {
		return newContainerError("shred", path, err)
	}
	size := info.Size()

	f, err := fs.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return newContainerError("shred", path, err)
	}

	passes := []func([]byte) error{
		func(b []byte) error { fill(b, 0x00); return nil },
		func(b []byte) error { fill(b, 0xFF); return nil },
		func(b []byte) error { _, err := rand.Read(b); return err },
	}

	for _, pattern := range passes {
		if err := overwritePass(f, size, pattern); err != nil {
			f.Close()
			return newContainerError("shred", path, err)
		}
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return newContainerError("shred", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newContainerError("shred", path, err)
	}
	if err := f.Close(); err != nil {
		return newContainerError("shred", path, err)
	}

	if err := fs.Remove(path); err != nil {
		return newContainerError("shred", path, err)
	}
	return nil
}

// overwritePass writes one full pattern pass over the file and syncs it
func overwritePass(f absfs.File, size int64, pattern func([]byte) error) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, eraseChunkSize)
	var written int64
	for written < size {
		n := int64(len(buf))
		if size-written < n {
			n = size - written
		}
		if err := pattern(buf[:n]); err != nil {
			return fmt.Errorf("failed to prepare overwrite pattern: %w", err)
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return err
		}
		written += n
	}
	return f.Sync()
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
