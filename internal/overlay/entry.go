package overlay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Each entry file starts with a fixed-size header followed by raw content
// bytes. The header is the crash-detection signal: a structurally valid
// entry is never shorter than headerSize, so a file truncated to zero by an
// unclean shutdown always classifies as corrupt, even when the logical
// content was empty.
const (
	headerSize    = 16
	entryFormatV2 = 2
)

var entryMagic = [4]byte{'O', 'V', 'L', '2'}

type entryHeader struct {
	Mode uint32
}

func encodeHeader(mode uint32) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], entryMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], entryFormatV2)
	binary.LittleEndian.PutUint32(buf[8:12], mode)
	// buf[12:16] reserved
	return buf
}

func decodeHeader(buf []byte) (entryHeader, error) {
	if len(buf) < headerSize {
		return entryHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorruptEntry, len(buf))
	}
	if !bytes.Equal(buf[0:4], entryMagic[:]) {
		return entryHeader{}, fmt.Errorf("%w: bad magic", ErrCorruptEntry)
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != entryFormatV2 {
		return entryHeader{}, fmt.Errorf("%w: unknown entry format %d", ErrCorruptEntry, v)
	}
	return entryHeader{Mode: binary.LittleEndian.Uint32(buf[8:12])}, nil
}

// readHeader reads and validates the header of an open entry file.
func readHeader(f *os.File) (entryHeader, error) {
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return entryHeader{}, fmt.Errorf("%w: truncated header", ErrCorruptEntry)
		}
		return entryHeader{}, fmt.Errorf("read entry header: %w", err)
	}
	return decodeHeader(buf)
}

// EntryHandle is an open handle on a materialized entry. Offsets are
// content-relative; the header is managed by the handle. Sync is the
// durability boundary the filesystem layer invokes before acknowledging a
// close-after-write.
type EntryHandle struct {
	ino  uint64
	file *os.File
}

// Ino returns the inode identifier this handle is bound to.
func (h *EntryHandle) Ino() uint64 { return h.ino }

func (h *EntryHandle) ReadAt(dest []byte, off int64) (int, error) {
	return h.file.ReadAt(dest, off+headerSize)
}

func (h *EntryHandle) WriteAt(data []byte, off int64) (int, error) {
	return h.file.WriteAt(data, off+headerSize)
}

// Truncate sets the content length, preserving the header.
func (h *EntryHandle) Truncate(size int64) error {
	return h.file.Truncate(size + headerSize)
}

// Size returns the content length.
func (h *EntryHandle) Size() (int64, error) {
	st, err := h.file.Stat()
	if err != nil {
		return 0, err
	}
	size := st.Size() - headerSize
	if size < 0 {
		size = 0
	}
	return size, nil
}

// SetMode rewrites the permission bits stored in the entry header.
func (h *EntryHandle) SetMode(mode uint32) error {
	if _, err := readHeader(h.file); err != nil {
		return err
	}
	if _, err := h.file.WriteAt(encodeHeader(mode), 0); err != nil {
		return fmt.Errorf("rewrite entry header: %w", err)
	}
	return nil
}

// Mode returns the permission bits stored in the entry header.
func (h *EntryHandle) Mode() (uint32, error) {
	hdr, err := readHeader(h.file)
	if err != nil {
		return 0, err
	}
	return hdr.Mode, nil
}

func (h *EntryHandle) Sync() error {
	return h.file.Sync()
}

func (h *EntryHandle) Close() error {
	return h.file.Close()
}
