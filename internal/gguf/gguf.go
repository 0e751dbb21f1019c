// Package gguf inspects the metadata header of GGUF model files without
// loading tensors. It only answers two questions: is this a GGUF container,
// and what architecture does it declare.
package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Magic is the four byte signature at the start of every GGUF file.
var Magic = []byte("GGUF")

// ArchitectureKey is the metadata key holding the model architecture.
const ArchitectureKey = "general.architecture"

// MaxRecords bounds the number of metadata records inspected per file.
const MaxRecords = 100

// Metadata value type tags.
const (
	TypeUint8   uint32 = 0
	TypeInt8    uint32 = 1
	TypeUint16  uint32 = 2
	TypeInt16   uint32 = 3
	TypeUint32  uint32 = 4
	TypeInt32   uint32 = 5
	TypeFloat32 uint32 = 6
	TypeBool    uint32 = 7
	TypeString  uint32 = 8
	TypeArray   uint32 = 9
	TypeUint64  uint32 = 10
	TypeInt64   uint32 = 11
	TypeFloat64 uint32 = 12
)

// legacyStringTag is accepted as a string tag for the architecture key only.
// Some converters in the wild wrote the architecture with tag 3.
const legacyStringTag uint32 = 3

// DefaultBlocklist lists architecture families that must be loaded in
// compatibility mode.
var DefaultBlocklist = []string{"qwen", "qwen2", "qwen3", "phi", "yi", "mamba"}

// Result describes what Probe learned about a file.
type Result struct {
	// Recognized is true when the file starts with the GGUF magic.
	Recognized bool
	// Version is the container version, zero when not recognized.
	Version uint32
	// Architecture is the declared architecture, empty when not found.
	Architecture string
}

// Probe opens path and inspects its metadata header. A file that is not
// GGUF, or whose metadata is truncated or corrupt, is not an error: the
// result simply carries less information. Only failures to open or stat the
// file are returned.
func Probe(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("gguf: open %s: %w", path, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("gguf: stat %s: %w", path, err)
	}
	res, err := probe(newReader(f, fi.Size()))
	if err != nil && !errors.Is(err, errTruncated) {
		return res, fmt.Errorf("gguf: read %s: %w", path, err)
	}
	return res, nil
}

// ProbeBytes is Probe over an in-memory header.
func ProbeBytes(b []byte) Result {
	res, _ := probe(newReader(bytes.NewReader(b), int64(len(b))))
	return res
}

func probe(br *reader) (Result, error) {
	var res Result
	magic, err := br.read(len(Magic))
	if err != nil {
		return res, err
	}
	if !bytes.Equal(magic, Magic) {
		return res, nil
	}
	res.Recognized = true
	if res.Version, err = br.u32(); err != nil {
		return res, err
	}
	// tensor count
	if _, err = br.length(res.Version); err != nil {
		return res, err
	}
	kvCount, err := br.length(res.Version)
	if err != nil {
		return res, err
	}
	limit := uint64(MaxRecords)
	if kvCount < limit {
		limit = kvCount
	}
	for i := uint64(0); i < limit; i++ {
		key, err := br.str(res.Version)
		if err != nil {
			return res, err
		}
		tag, err := br.u32()
		if err != nil {
			return res, err
		}
		if key == ArchitectureKey && (tag == TypeString || tag == legacyStringTag) {
			arch, err := br.str(res.Version)
			if err != nil {
				return res, err
			}
			res.Architecture = arch
			return res, nil
		}
		if err := skipValue(br, res.Version, tag, 0); err != nil {
			return res, err
		}
	}
	return res, nil
}

// maxArrayDepth guards against hostile nested arrays.
const maxArrayDepth = 4

func skipValue(br *reader, version, tag uint32, depth int) error {
	if n := scalarSize(tag); n > 0 {
		return br.skip(n)
	}
	switch tag {
	case TypeString:
		n, err := br.length(version)
		if err != nil {
			return err
		}
		return br.skip(n)
	case TypeArray:
		if depth >= maxArrayDepth {
			return errTruncated
		}
		elem, err := br.u32()
		if err != nil {
			return err
		}
		count, err := br.length(version)
		if err != nil {
			return err
		}
		if n := scalarSize(elem); n > 0 {
			if count > uint64(br.remaining())/n {
				return errTruncated
			}
			return br.skip(count * n)
		}
		for i := uint64(0); i < count; i++ {
			if err := skipValue(br, version, elem, depth+1); err != nil {
				return err
			}
		}
		return nil
	default:
		return errTruncated
	}
}

func scalarSize(tag uint32) uint64 {
	switch tag {
	case TypeUint8, TypeInt8, TypeBool:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	case TypeUint32, TypeInt32, TypeFloat32:
		return 4
	case TypeUint64, TypeInt64, TypeFloat64:
		return 8
	}
	return 0
}

// IsBlocked reports whether arch matches any blocklist entry. Matching is a
// case-insensitive substring test; an empty architecture never matches.
func IsBlocked(arch string, blocklist []string) bool {
	a := strings.ToLower(strings.TrimSpace(arch))
	if a == "" {
		return false
	}
	for _, b := range blocklist {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" && strings.Contains(a, b) {
			return true
		}
	}
	return false
}
