// Package session holds the persisted per-model download record.
//
// A Session is the resume cursor of a download: bytes [0, LastCompletedChunkIndex*ChunkSize)
// of the file at SavePath are durable and belong to the remote resource identified
// by Modified and Size.
package session

import (
	"time"
)

// ValidationState is the integrity verdict of a download
type ValidationState string

const (
	ValidationNone    ValidationState = "none"
	ValidationSuccess ValidationState = "success"
	ValidationFail    ValidationState = "fail"
)

// IsValid reports whether v is a known validation state
func (v ValidationState) IsValid() bool {
	switch v {
	case ValidationNone, ValidationSuccess, ValidationFail:
		return true
	}
	return false
}

// Status is the persisted (at-rest) lifecycle state derived from a session
type Status string

const (
	StatusNone      Status = "none"
	StatusIdle      Status = "idle"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// Session is the durable record of one model download
type Session struct {
	ID                      string          `json:"id"`
	SavePath                string          `json:"savePath"`
	Modified                string          `json:"modified"`
	Size                    int64           `json:"size"`
	ChunkSize               int64           `json:"chunkSize"`
	LastCompletedChunkIndex int64           `json:"lastCompletedChunkIndex"`
	ProgressPercent         int             `json:"progress"`
	Validation              ValidationState `json:"validation"`
	Checksum                string          `json:"checksum,omitempty"`
	HashState               []byte          `json:"-"`
	TokenizerPath           string          `json:"tokenizerPath,omitempty"`
	NumTimesRun             int             `json:"numTimesRun"`
	IsFavorited             bool            `json:"isFavorited"`
	UpdatedAt               time.Time       `json:"updatedAt"`
}

// Options configures a new session
type Options struct {
	ID            string
	SavePath      string
	Modified      string
	Size          int64
	ChunkSize     int64
	TokenizerPath string
}

// New creates a session with zeroed progress and no validation verdict
func New(opts Options) *Session {
	return &Session{
		ID:            opts.ID,
		SavePath:      opts.SavePath,
		Modified:      opts.Modified,
		Size:          opts.Size,
		ChunkSize:     opts.ChunkSize,
		TokenizerPath: opts.TokenizerPath,
		Validation:    ValidationNone,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.HashState != nil {
		c.HashState = append([]byte(nil), s.HashState...)
	}
	return &c
}

// Offset is the byte offset at which the next chunk is written
func (s *Session) Offset() int64 {
	off := s.LastCompletedChunkIndex * s.ChunkSize
	if s.Size > 0 && off > s.Size {
		return s.Size
	}
	return off
}

// TotalChunks is the number of chunks needed to cover Size
func (s *Session) TotalChunks() int64 {
	return ChunkCount(s.Size, s.ChunkSize)
}

// Status derives the at-rest state of the session
func (s *Session) Status() Status {
	switch {
	case s == nil:
		return StatusNone
	case s.Validation == ValidationSuccess:
		return StatusCompleted
	case s.Validation == ValidationFail:
		return StatusErrored
	case s.LastCompletedChunkIndex > 0:
		return StatusIdle
	default:
		return StatusNone
	}
}

// Resumable reports whether a durable prefix exists that has not been validated yet
func (s *Session) Resumable() bool {
	return s != nil && s.Validation == ValidationNone && s.LastCompletedChunkIndex > 0
}

// Partial is a shallow update of a session. Nil fields keep the existing value.
type Partial struct {
	SavePath                *string
	Modified                *string
	Size                    *int64
	ChunkSize               *int64
	LastCompletedChunkIndex *int64
	ProgressPercent         *int
	Validation              *ValidationState
	Checksum                *string
	HashState               []byte
	ClearHashState          bool
	TokenizerPath           *string
	NumTimesRun             *int
	IsFavorited             *bool
}

// Merge applies p over existing and returns a new session. existing may be nil.
func Merge(existing *Session, p Partial) *Session {
	out := existing.Clone()
	if out == nil {
		out = &Session{Validation: ValidationNone}
	}
	if p.SavePath != nil {
		out.SavePath = *p.SavePath
	}
	if p.Modified != nil {
		out.Modified = *p.Modified
	}
	if p.Size != nil {
		out.Size = *p.Size
	}
	if p.ChunkSize != nil {
		out.ChunkSize = *p.ChunkSize
	}
	if p.LastCompletedChunkIndex != nil {
		out.LastCompletedChunkIndex = *p.LastCompletedChunkIndex
	}
	if p.ProgressPercent != nil {
		out.ProgressPercent = *p.ProgressPercent
	}
	if p.Validation != nil {
		out.Validation = *p.Validation
	}
	if p.Checksum != nil {
		out.Checksum = *p.Checksum
	}
	if p.ClearHashState {
		out.HashState = nil
	} else if p.HashState != nil {
		out.HashState = append([]byte(nil), p.HashState...)
	}
	if p.TokenizerPath != nil {
		out.TokenizerPath = *p.TokenizerPath
	}
	if p.NumTimesRun != nil {
		out.NumTimesRun = *p.NumTimesRun
	}
	if p.IsFavorited != nil {
		out.IsFavorited = *p.IsFavorited
	}
	out.UpdatedAt = time.Now().UTC()
	return out
}

// ChunkCount returns ceil(size/chunkSize)
func ChunkCount(size, chunkSize int64) int64 {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// ChunkRange returns the inclusive byte range of chunk idx
func ChunkRange(idx, size, chunkSize int64) (start, end int64) {
	start = idx * chunkSize
	end = start + chunkSize - 1
	if end > size-1 {
		end = size - 1
	}
	return start, end
}

// Percent is floor(min(idx*chunkSize, size)*100/size), capped at 100
func Percent(idx, size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	done := idx * chunkSize
	if done > size {
		done = size
	}
	p := int(done * 100 / size)
	if p > 100 {
		p = 100
	}
	return p
}

// Ptr returns a pointer to v, for building a Partial
func Ptr[T any](v T) *T {
	return &v
}
