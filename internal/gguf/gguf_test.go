package gguf

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type headerBuilder struct {
	buf bytes.Buffer
}

func newHeader(version uint32, kvCount uint64) *headerBuilder {
	h := &headerBuilder{}
	h.buf.Write(Magic)
	h.u32(version)
	h.u64(0)
	h.u64(kvCount)
	return h
}

func (h *headerBuilder) u32(v uint32) { _ = binary.Write(&h.buf, binary.LittleEndian, v) }
func (h *headerBuilder) u64(v uint64) { _ = binary.Write(&h.buf, binary.LittleEndian, v) }

func (h *headerBuilder) str(s string) {
	h.u64(uint64(len(s)))
	h.buf.WriteString(s)
}

func (h *headerBuilder) kvString(key, val string) *headerBuilder {
	h.str(key)
	h.u32(TypeString)
	h.str(val)
	return h
}

func (h *headerBuilder) kvUint32(key string, v uint32) *headerBuilder {
	h.str(key)
	h.u32(TypeUint32)
	h.u32(v)
	return h
}

func (h *headerBuilder) kvStringArray(key string, vals ...string) *headerBuilder {
	h.str(key)
	h.u32(TypeArray)
	h.u32(TypeString)
	h.u64(uint64(len(vals)))
	for _, v := range vals {
		h.str(v)
	}
	return h
}

func writeFile(t *testing.T, b []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(p, b, 0o644))
	return p
}

func TestProbeFindsArchitectureAfterOtherRecords(t *testing.T) {
	h := newHeader(3, 4).
		kvUint32("general.quantization_version", 2).
		kvStringArray("tokenizer.ggml.tokens", "a", "b", "c").
		kvString("general.name", "tiny").
		kvString(ArchitectureKey, "llama")

	res, err := Probe(writeFile(t, h.buf.Bytes()))
	require.NoError(t, err)
	require.True(t, res.Recognized)
	require.Equal(t, uint32(3), res.Version)
	require.Equal(t, "llama", res.Architecture)
}

func TestProbeNotGGUF(t *testing.T) {
	res, err := Probe(writeFile(t, []byte("PK\x03\x04 not a model")))
	require.NoError(t, err)
	require.False(t, res.Recognized)
	require.Empty(t, res.Architecture)
}

func TestProbeTruncatedIsUnknownNotError(t *testing.T) {
	full := newHeader(3, 1).kvString(ArchitectureKey, "qwen2").buf.Bytes()
	for _, n := range []int{2, 6, 20, 30, len(full) - 1} {
		res, err := Probe(writeFile(t, full[:n]))
		require.NoError(t, err, "cut at %d", n)
		require.Empty(t, res.Architecture, "cut at %d", n)
		require.Equal(t, n >= 4, res.Recognized, "cut at %d", n)
	}
}

func TestProbeHugeLengthsAreBounded(t *testing.T) {
	h := newHeader(3, 2)
	h.u64(1 << 40) // key length far beyond the file
	res := ProbeBytes(h.buf.Bytes())
	require.True(t, res.Recognized)
	require.Empty(t, res.Architecture)

	h = newHeader(3, 2)
	h.str("tokenizer.ggml.scores")
	h.u32(TypeArray)
	h.u32(TypeFloat32)
	h.u64(1 << 62)
	require.Empty(t, ProbeBytes(h.buf.Bytes()).Architecture)
}

func TestProbeArchitectureWithWrongTypeIsSkipped(t *testing.T) {
	h := newHeader(3, 2).kvUint32(ArchitectureKey, 7).kvString("general.name", "x")
	res := ProbeBytes(h.buf.Bytes())
	require.True(t, res.Recognized)
	require.Empty(t, res.Architecture)
}

func TestProbeLegacyStringTag(t *testing.T) {
	h := newHeader(2, 1)
	h.str(ArchitectureKey)
	h.u32(legacyStringTag)
	h.str("phi3")
	require.Equal(t, "phi3", ProbeBytes(h.buf.Bytes()).Architecture)
}

func TestProbeStopsAfterMaxRecords(t *testing.T) {
	h := newHeader(3, MaxRecords+1)
	for i := 0; i < MaxRecords; i++ {
		h.kvUint32("pad.key", uint32(i))
	}
	h.kvString(ArchitectureKey, "llama")
	require.Empty(t, ProbeBytes(h.buf.Bytes()).Architecture)
}

func TestProbeVersion1Uses32BitLengths(t *testing.T) {
	var b bytes.Buffer
	b.Write(Magic)
	w := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	w(uint32(1))
	w(uint32(0)) // tensors
	w(uint32(1)) // kv
	w(uint32(len(ArchitectureKey)))
	b.WriteString(ArchitectureKey)
	w(TypeString)
	w(uint32(len("gemma")))
	b.WriteString("gemma")

	res := ProbeBytes(b.Bytes())
	require.Equal(t, uint32(1), res.Version)
	require.Equal(t, "gemma", res.Architecture)
}

func TestProbeMissingFile(t *testing.T) {
	_, err := Probe(filepath.Join(t.TempDir(), "nope.gguf"))
	require.Error(t, err)
}

func TestIsBlocked(t *testing.T) {
	cases := []struct {
		arch string
		want bool
	}{
		{"qwen2", true},
		{"Qwen3MoE", true},
		{"phi3", true},
		{"llama", false},
		{"mistral", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, IsBlocked(tc.arch, DefaultBlocklist), tc.arch)
	}
	require.False(t, IsBlocked("qwen2", []string{"", " "}))
}
