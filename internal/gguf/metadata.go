package gguf

import "strings"

// Metadata is the summary of a GGUF model file shown for a finished download
type Metadata struct {
	// Basic information
	Name         string `json:"name"`
	Architecture string `json:"architecture"`
	Type         string `json:"type,omitempty"`
	Author       string `json:"author,omitempty"`
	License      string `json:"license,omitempty"`
	Description  string `json:"description,omitempty"`

	// Quantization
	FileType            uint32  `json:"fileType"`
	FileTypeDescriptor  string  `json:"fileTypeDescriptor,omitempty"`
	Quantization        string  `json:"quantization"`
	QuantizationVersion uint32  `json:"quantizationVersion,omitempty"`
	BitsPerWeight       float64 `json:"bitsPerWeight,omitempty"`

	// Model shape
	Parameters        float64 `json:"parameters"`
	ContextLength     int     `json:"contextLength,omitempty"`
	EmbeddingLength   int     `json:"embeddingLength,omitempty"`
	FeedForwardLength int     `json:"feedForwardLength,omitempty"`
	BlockCount        int     `json:"blockCount,omitempty"`
	HeadCount         int     `json:"headCount,omitempty"`
	HeadCountKV       int     `json:"headCountKv,omitempty"`
	RopeFreqBase      float64 `json:"ropeFreqBase,omitempty"`

	// Tokenizer
	TokenizerModel string `json:"tokenizerModel,omitempty"`
	TokenCount     int    `json:"tokenCount,omitempty"`
	BosTokenID     int    `json:"bosTokenId,omitempty"`
	EosTokenID     int    `json:"eosTokenId,omitempty"`

	// File
	Alignment    uint32 `json:"alignment,omitempty"`
	LittleEndian bool   `json:"littleEndian"`
	FileSize     uint64 `json:"fileSize"`
	ModelSize    uint64 `json:"modelSize"`

	Chat bool `json:"chat"`
}

// fileTypeNames maps GGUF file type codes to their short names
var fileTypeNames = map[uint32]string{
	0:  "F32",
	1:  "F16",
	2:  "Q4_0",
	3:  "Q4_1",
	7:  "Q8_0",
	8:  "Q5_0",
	9:  "Q5_1",
	10: "Q2_K",
	11: "Q3_K_S",
	12: "Q3_K_M",
	13: "Q3_K_L",
	14: "Q4_K_S",
	15: "Q4_K_M",
	16: "Q5_K_S",
	17: "Q5_K_M",
	18: "Q6_K",
	32: "BF16",
}

// QuantizationString returns the human-readable quantization name
func (m *Metadata) QuantizationString() string {
	if m.FileTypeDescriptor != "" {
		return m.FileTypeDescriptor
	}
	if name, ok := fileTypeNames[m.FileType]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParametersInBillions returns the parameter count in billions
func (m *Metadata) ParametersInBillions() float64 {
	if m.Parameters > 0 {
		return m.Parameters / 1e9
	}
	// Rough estimate for a standard transformer: 12 * n_layers * d_model^2
	if m.BlockCount > 0 && m.EmbeddingLength > 0 {
		return 12.0 * float64(m.BlockCount) * float64(m.EmbeddingLength) * float64(m.EmbeddingLength) / 1e9
	}
	return 0
}

var chatMarkers = []string{"chat", "instruct", "sft", "conversation", "dialogue"}

// IsChatModel guesses from the model name whether it is a chat/instruct model
func (m *Metadata) IsChatModel() bool {
	name := strings.ToLower(m.Name)
	if name == "" {
		return false
	}
	for _, marker := range chatMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
