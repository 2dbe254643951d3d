package ism

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/KevoDB/incstore/pkg/codec"
	"github.com/KevoDB/incstore/pkg/index"
)

const (
	schemaFileName = "schema.cbor"
	indexFileName  = "index.dat"
	bucketFileName = "buckets.dat"

	schemaVersion = 1
)

// columnDesc describes one column in the schema header
type columnDesc struct {
	Name  string `cbor:"1,keyasint"`
	Kind  uint8  `cbor:"2,keyasint"`
	Nelem int    `cbor:"3,keyasint"`
}

// schema is the store header written on every flush. The index file and
// the bucket file are only meaningful together with it.
type schema struct {
	Version    int          `cbor:"1,keyasint"`
	Rows       uint32       `cbor:"2,keyasint"`
	NextBucket uint32       `cbor:"3,keyasint"`
	UniqueID   uint64       `cbor:"4,keyasint"`
	Columns    []columnDesc `cbor:"5,keyasint"`
}

var schemaEncMode cbor.EncMode

func init() {
	var err error
	if schemaEncMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
}

func (s *schema) validate() error {
	if s.Version != schemaVersion {
		return fmt.Errorf("%w: unsupported schema version %d", ErrStructural, s.Version)
	}
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if seen[c.Name] {
			return fmt.Errorf("%w: column %q listed twice", ErrStructural, c.Name)
		}
		seen[c.Name] = true
		if !codec.Kind(c.Kind).Valid() {
			return fmt.Errorf("%w: column %q has unknown kind %d", ErrStructural, c.Name, c.Kind)
		}
	}
	return nil
}

func readSchema(dir string) (*schema, error) {
	data, err := os.ReadFile(filepath.Join(dir, schemaFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	s := &schema{}
	if err := cbor.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrStructural, err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func writeSchema(dir string, s *schema) error {
	data, err := schemaEncMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, schemaFileName), data)
}

// readIndex loads the bucket index and checks its trailing checksum
func readIndex(dir string, order binary.ByteOrder) (*index.Index, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket index: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: index file of %d bytes", index.ErrCorrupt, len(data))
	}
	body, trailer := data[:len(data)-8], data[len(data)-8:]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(trailer) {
		return nil, fmt.Errorf("%w: index checksum mismatch", index.ErrCorrupt)
	}
	x, err := index.Unmarshal(body, order)
	if err != nil {
		return nil, err
	}
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return x, nil
}

func writeIndex(dir string, x *index.Index, order binary.ByteOrder) error {
	data := x.MarshalBinary(order)
	data = binary.LittleEndian.AppendUint64(data, xxhash.Sum64(data))
	return writeFileAtomic(filepath.Join(dir, indexFileName), data)
}

func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
