// Package gguf reads the header metadata of downloaded GGUF model files.
package gguf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	ggufparser "github.com/gpustack/gguf-parser-go"
)

// ErrNotGGUF is returned for files without the GGUF magic
var ErrNotGGUF = errors.New("not a GGUF file")

var magic = []byte("GGUF")

// IsGGUF reports whether the file at path starts with the GGUF magic
func IsGGUF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, magic), nil
}

// Inspect parses the metadata of the GGUF file at path
func Inspect(path string) (*Metadata, error) {
	ok, err := IsGGUF(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotGGUF, path)
	}

	file, err := ggufparser.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GGUF file: %w", err)
	}
	return fromFile(file), nil
}

func fromFile(file *ggufparser.GGUFFile) *Metadata {
	gmeta := file.Metadata()

	meta := &Metadata{
		Name:                gmeta.Name,
		Architecture:        gmeta.Architecture,
		Type:                gmeta.Type,
		Author:              gmeta.Author,
		License:             gmeta.License,
		Description:         gmeta.Description,
		FileType:            uint32(gmeta.FileType),
		FileTypeDescriptor:  gmeta.FileTypeDescriptor,
		QuantizationVersion: gmeta.QuantizationVersion,
		Parameters:          float64(gmeta.Parameters),
		BitsPerWeight:       float64(gmeta.BitsPerWeight),
		Alignment:           gmeta.Alignment,
		LittleEndian:        gmeta.LittleEndian,
		FileSize:            uint64(gmeta.FileSize),
		ModelSize:           uint64(gmeta.Size),
	}

	kvs := file.Header.MetadataKV
	getKV := func(key string) (ggufparser.GGUFMetadataKV, bool) {
		found, n := kvs.Index([]string{key})
		if n > 0 {
			return found[key], true
		}
		return ggufparser.GGUFMetadataKV{}, false
	}

	arch := meta.Architecture
	if arch == "" {
		if kv, ok := getKV("general.architecture"); ok {
			arch = kv.ValueString()
			meta.Architecture = arch
		}
	}
	if arch == "" {
		arch = "llama"
	}

	// Architecture specific keys are prefixed, e.g. qwen2.context_length
	ints := []struct {
		key string
		dst *int
	}{
		{"context_length", &meta.ContextLength},
		{"embedding_length", &meta.EmbeddingLength},
		{"feed_forward_length", &meta.FeedForwardLength},
		{"block_count", &meta.BlockCount},
		{"attention.head_count", &meta.HeadCount},
		{"attention.head_count_kv", &meta.HeadCountKV},
	}
	for _, f := range ints {
		if kv, ok := getKV(arch + "." + f.key); ok {
			*f.dst = intValue(kv)
		}
	}
	if kv, ok := getKV(arch + ".rope.freq_base"); ok && kv.ValueType == ggufparser.GGUFMetadataValueTypeFloat32 {
		meta.RopeFreqBase = float64(kv.ValueFloat32())
	}

	if kv, ok := getKV("tokenizer.ggml.model"); ok {
		meta.TokenizerModel = kv.ValueString()
	}
	if kv, ok := getKV("tokenizer.ggml.bos_token_id"); ok {
		meta.BosTokenID = intValue(kv)
	}
	if kv, ok := getKV("tokenizer.ggml.eos_token_id"); ok {
		meta.EosTokenID = intValue(kv)
	}
	if kv, ok := getKV("tokenizer.ggml.tokens"); ok {
		meta.TokenCount = int(kv.ValueArray().Len)
	}

	meta.Quantization = meta.QuantizationString()
	meta.Chat = meta.IsChatModel()
	return meta
}

func intValue(kv ggufparser.GGUFMetadataKV) int {
	switch kv.ValueType {
	case ggufparser.GGUFMetadataValueTypeUint32:
		return int(kv.ValueUint32())
	case ggufparser.GGUFMetadataValueTypeUint64:
		return int(kv.ValueUint64())
	case ggufparser.GGUFMetadataValueTypeInt32:
		return int(kv.ValueInt32())
	case ggufparser.GGUFMetadataValueTypeInt64:
		return int(kv.ValueInt64())
	default:
		return 0
	}
}
