package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1024 * 1024

func TestNew(t *testing.T) {
	s := New(Options{ID: "llama", SavePath: "/tmp/llama.gguf", Size: 100, ChunkSize: 10})
	assert.Equal(t, "llama", s.ID)
	assert.Equal(t, ValidationNone, s.Validation)
	assert.Equal(t, int64(0), s.LastCompletedChunkIndex)
	assert.Equal(t, 0, s.ProgressPercent)
	assert.Equal(t, StatusNone, s.Status())
	assert.False(t, s.UpdatedAt.IsZero())
}

func TestMerge(t *testing.T) {
	t.Run("preserves unset fields", func(t *testing.T) {
		existing := New(Options{ID: "m", SavePath: "/a", Modified: "Mon", Size: 50, ChunkSize: 10})
		existing.NumTimesRun = 3
		existing.HashState = []byte{1, 2, 3}

		merged := Merge(existing, Partial{ProgressPercent: Ptr(40), LastCompletedChunkIndex: Ptr(int64(2))})

		assert.Equal(t, "/a", merged.SavePath)
		assert.Equal(t, "Mon", merged.Modified)
		assert.Equal(t, 3, merged.NumTimesRun)
		assert.Equal(t, 40, merged.ProgressPercent)
		assert.Equal(t, int64(2), merged.LastCompletedChunkIndex)
		assert.Equal(t, []byte{1, 2, 3}, merged.HashState)
	})

	t.Run("does not mutate existing", func(t *testing.T) {
		existing := New(Options{ID: "m", Size: 50, ChunkSize: 10})
		_ = Merge(existing, Partial{IsFavorited: Ptr(true), HashState: []byte{9}})
		assert.False(t, existing.IsFavorited)
		assert.Nil(t, existing.HashState)
	})

	t.Run("nil existing", func(t *testing.T) {
		merged := Merge(nil, Partial{Size: Ptr(int64(7))})
		require.NotNil(t, merged)
		assert.Equal(t, int64(7), merged.Size)
		assert.Equal(t, ValidationNone, merged.Validation)
	})

	t.Run("clear hash state", func(t *testing.T) {
		existing := &Session{HashState: []byte{1}}
		merged := Merge(existing, Partial{ClearHashState: true})
		assert.Nil(t, merged.HashState)
	})
}

func TestChunkRange(t *testing.T) {
	size := int64(25 * mib)
	chunk := int64(10 * mib)

	require.Equal(t, int64(3), ChunkCount(size, chunk))

	tests := []struct {
		idx        int64
		start, end int64
	}{
		{0, 0, 10485759},
		{1, 10485760, 20971519},
		{2, 20971520, 26214399},
	}
	for _, tt := range tests {
		start, end := ChunkRange(tt.idx, size, chunk)
		assert.Equal(t, tt.start, start)
		assert.Equal(t, tt.end, end)
	}
}

func TestChunkRangeCoversFile(t *testing.T) {
	sizes := []int64{1, 9, 10, 11, 99, 100, 101, 25 * mib}
	for _, size := range sizes {
		chunk := int64(10)
		if size > 1000 {
			chunk = 10 * mib
		}
		var next int64
		for i := int64(0); i < ChunkCount(size, chunk); i++ {
			start, end := ChunkRange(i, size, chunk)
			assert.Equal(t, next, start, "size %d chunk %d", size, i)
			assert.LessOrEqual(t, start, end)
			next = end + 1
		}
		assert.Equal(t, size, next, "size %d not fully covered", size)
	}
}

func TestPercent(t *testing.T) {
	size := int64(25 * mib)
	chunk := int64(10 * mib)

	assert.Equal(t, 0, Percent(0, size, chunk))
	assert.Equal(t, 40, Percent(1, size, chunk))
	assert.Equal(t, 80, Percent(2, size, chunk))
	assert.Equal(t, 100, Percent(3, size, chunk))
	assert.Equal(t, 100, Percent(7, size, chunk))
	assert.Equal(t, 0, Percent(3, 0, chunk))
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		s    *Session
		want Status
	}{
		{"nil", nil, StatusNone},
		{"fresh", &Session{Validation: ValidationNone}, StatusNone},
		{"partial", &Session{Validation: ValidationNone, LastCompletedChunkIndex: 2}, StatusIdle},
		{"success", &Session{Validation: ValidationSuccess}, StatusCompleted},
		{"fail", &Session{Validation: ValidationFail, LastCompletedChunkIndex: 3}, StatusErrored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.Status())
		})
	}
}

func TestOffset(t *testing.T) {
	s := &Session{Size: 25, ChunkSize: 10, LastCompletedChunkIndex: 2}
	assert.Equal(t, int64(20), s.Offset())
	s.LastCompletedChunkIndex = 3
	assert.Equal(t, int64(25), s.Offset())
}
