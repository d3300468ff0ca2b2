// Package chunk defines the shared chunk model and the splitters that
// produce child chunks from parsed documents.
package chunk

// Metadata carries the retrieval attributes of one child chunk.
type Metadata struct {
	Source     string `json:"source"`
	ChunkID    string `json:"chunk_id"`
	ParentID   string `json:"parent_id"`
	Section    string `json:"section"`
	Context    string `json:"context,omitempty"`
	SourceRole string `json:"source_role,omitempty"`
	ChildIndex int    `json:"child_index"`
	IsParent   bool   `json:"is_parent,omitempty"`
	IsWindowed bool   `json:"is_windowed,omitempty"`
}

// Chunk is one indexed unit of document text. The same chunk is stored in
// both the dense and the sparse index under the key returned by Key.
type Chunk struct {
	Content string   `json:"content"`
	Meta    Metadata `json:"metadata"`
}

// Key returns the identity used for cross-index deduplication. Both
// retrieval branches must produce this exact form or fusion double-counts.
func (c Chunk) Key() string {
	return c.Meta.Source + "_" + c.Meta.ChunkID
}
