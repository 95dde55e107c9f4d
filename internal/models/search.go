package models

import "time"

// SearchFilter narrows candidate chunks before scoring.
type SearchFilter struct {
	Tags       []string   `json:"tags,omitempty"`
	DateAfter  *time.Time `json:"date_after,omitempty"`
	DateBefore *time.Time `json:"date_before,omitempty"`
}

// IsZero reports whether no filter field is set.
func (f SearchFilter) IsZero() bool {
	return len(f.Tags) == 0 && f.DateAfter == nil && f.DateBefore == nil
}

// SearchResult is one ranked chunk.
type SearchResult struct {
	Path       string  `json:"path"`
	Title      string  `json:"title,omitempty"`
	Chunk      string  `json:"chunk"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"score"`
}

// Setting is a persisted key/value pair.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
