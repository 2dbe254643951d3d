// Package cache keeps buckets in memory on top of a page-addressable file.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	// HeaderSize is the fixed size of the file header in bytes
	HeaderSize = 32
	// FileMagic identifies a bucket file
	FileMagic = uint64(0x49534D4255434B54)
	// FileVersion is the current file format version
	FileVersion = uint32(1)

	// slotOverhead covers the codec byte, the stored length and the checksum
	slotOverhead = 1 + 4 + 8
)

var (
	// ErrChecksum is returned when a page or header fails verification
	ErrChecksum = errors.New("page checksum mismatch")
	// ErrNoPage is returned when reading a page that was never written
	ErrNoPage = errors.New("page not found")
	// ErrPageTooLarge is returned when a payload exceeds the page size
	ErrPageTooLarge = errors.New("payload exceeds page size")
)

// BucketFile reads and writes fixed-size pages addressed by bucket id
type BucketFile interface {
	ReadPage(id uint32) ([]byte, error)
	WritePage(id uint32, payload []byte) error
	NumPages() uint32
	Sync() error
	Close() error
}

// PageFile is a BucketFile on an operating system file. Page id i lives in
// the slot at HeaderSize + i*(pageSize+slotOverhead). A slot holds
//
//	codec:1 storedLen:4 payload checksum:8
//
// where the checksum is the xxhash64 of everything before it. Integers are
// little-endian.
type PageFile struct {
	mu          sync.Mutex
	file        *os.File
	path        string
	pageSize    int
	compression Compression
	numPages    uint32
	z           *compressor
}

// OpenFile opens or creates a page file. An existing file must have been
// created with the same page size; compression applies to pages written
// from now on.
func OpenFile(path string, pageSize int, compression Compression) (*PageFile, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	if compression > CompressionZstd {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, compression)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket file: %w", err)
	}

	z, err := newCompressor()
	if err != nil {
		file.Close()
		return nil, err
	}

	f := &PageFile{
		file:        file,
		path:        path,
		pageSize:    pageSize,
		compression: compression,
		z:           z,
	}

	info, err := file.Stat()
	if err != nil {
		f.closeAll()
		return nil, fmt.Errorf("failed to stat bucket file: %w", err)
	}

	if info.Size() == 0 {
		if _, err := file.WriteAt(f.encodeHeader(), 0); err != nil {
			f.closeAll()
			return nil, fmt.Errorf("failed to write bucket file header: %w", err)
		}
		return f, nil
	}

	header := make([]byte, HeaderSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		f.closeAll()
		return nil, fmt.Errorf("failed to read bucket file header: %w", err)
	}
	stored, err := decodeHeader(header)
	if err != nil {
		f.closeAll()
		return nil, err
	}
	if stored != pageSize {
		f.closeAll()
		return nil, fmt.Errorf("bucket file %s has page size %d, expected %d", path, stored, pageSize)
	}

	// the last slot may be short until the next Sync
	slot := int64(f.slotSize())
	f.numPages = uint32((info.Size() - HeaderSize + slot - 1) / slot)
	return f, nil
}

// PageSize returns the maximum payload size
func (f *PageFile) PageSize() int { return f.pageSize }

// Path returns the file name
func (f *PageFile) Path() string { return f.path }

// NumPages returns the number of page slots in the file
func (f *PageFile) NumPages() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}

// ReadPage reads and verifies the payload of page id
func (f *PageFile) ReadPage(id uint32) ([]byte, error) {
	if id >= f.NumPages() {
		return nil, fmt.Errorf("%w: %d", ErrNoPage, id)
	}

	slot := make([]byte, f.slotSize())
	if _, err := f.file.ReadAt(slot, f.slotOffset(id)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to read page %d: %w", id, err)
	}

	codec := Compression(slot[0])
	n := int(binary.LittleEndian.Uint32(slot[1:5]))
	if n > f.pageSize {
		return nil, fmt.Errorf("%w: page %d stored length %d", ErrChecksum, id, n)
	}
	end := 5 + n
	want := binary.LittleEndian.Uint64(slot[end:])
	if got := xxhash.Sum64(slot[:end]); got != want {
		return nil, fmt.Errorf("%w: page %d has %x, calculated %x", ErrChecksum, id, want, got)
	}

	payload, err := f.z.decompress(codec, slot[5:end])
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", id, err)
	}
	if codec == CompressionNone {
		payload = append([]byte(nil), payload...)
	}
	return payload, nil
}

// WritePage stores the payload of page id. Writes of distinct pages may run
// concurrently.
func (f *PageFile) WritePage(id uint32, payload []byte) error {
	if len(payload) > f.pageSize {
		return fmt.Errorf("%w: %d bytes for page %d of %d", ErrPageTooLarge, len(payload), id, f.pageSize)
	}

	data, codec, err := f.z.compress(f.compression, payload)
	if err != nil {
		return err
	}

	slot := make([]byte, 5+len(data)+8)
	slot[0] = byte(codec)
	binary.LittleEndian.PutUint32(slot[1:5], uint32(len(data)))
	copy(slot[5:], data)
	binary.LittleEndian.PutUint64(slot[5+len(data):], xxhash.Sum64(slot[:5+len(data)]))

	if _, err := f.file.WriteAt(slot, f.slotOffset(id)); err != nil {
		return fmt.Errorf("failed to write page %d: %w", id, err)
	}

	f.mu.Lock()
	if id >= f.numPages {
		f.numPages = id + 1
	}
	f.mu.Unlock()
	return nil
}

// Sync flushes the file to stable storage. The file is extended to cover
// the full slot of the last page first.
func (f *PageFile) Sync() error {
	size := HeaderSize + int64(f.NumPages())*int64(f.slotSize())
	info, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat bucket file: %w", err)
	}
	if info.Size() < size {
		if err := f.file.Truncate(size); err != nil {
			return fmt.Errorf("failed to extend bucket file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync bucket file: %w", err)
	}
	return nil
}

// Close syncs and closes the file
func (f *PageFile) Close() error {
	err := f.Sync()
	f.z.close()
	if cerr := f.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close bucket file: %w", cerr)
	}
	return err
}

func (f *PageFile) closeAll() {
	f.z.close()
	f.file.Close()
}

func (f *PageFile) slotSize() int {
	return f.pageSize + slotOverhead
}

func (f *PageFile) slotOffset(id uint32) int64 {
	return HeaderSize + int64(id)*int64(f.slotSize())
}

// encodeHeader lays out magic:8 version:4 pageSize:4 reserved:8 checksum:8
func (f *PageFile) encodeHeader() []byte {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], FileMagic)
	binary.LittleEndian.PutUint32(header[8:12], FileVersion)
	binary.LittleEndian.PutUint32(header[12:16], uint32(f.pageSize))
	binary.LittleEndian.PutUint64(header[24:32], xxhash.Sum64(header[:24]))
	return header
}

func decodeHeader(header []byte) (int, error) {
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != FileMagic {
		return 0, fmt.Errorf("invalid bucket file magic: %x, expected %x", magic, FileMagic)
	}
	want := binary.LittleEndian.Uint64(header[24:32])
	if got := xxhash.Sum64(header[:24]); got != want {
		return 0, fmt.Errorf("%w: bucket file header", ErrChecksum)
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != FileVersion {
		return 0, fmt.Errorf("unsupported bucket file version %d", v)
	}
	return int(binary.LittleEndian.Uint32(header[12:16])), nil
}
