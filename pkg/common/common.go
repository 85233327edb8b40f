package common

// RootSectionTitle is the synthetic section used for chunks that arrive
// without any real document structure. Every chunk must belong to exactly
// one section, so structure-less chunks attach here.
const RootSectionTitle = "[Document Root]"

// Document is the root of a section hierarchy inside one tenant group.
type Document struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	Title    string `json:"title"`
	Language string `json:"language"`
}

// Section is one node of a document's section tree. Sections form a tree
// through ParentID; top-level sections have an empty ParentID.
type Section struct {
	ID         string `json:"id"`
	GroupID    string `json:"group_id"`
	DocumentID string `json:"document_id"`
	ParentID   string `json:"parent_id"`
	PathKey    string `json:"path_key"`
	Title      string `json:"title"`
	Depth      int    `json:"depth"`
}

// ChunkMetadata carries the structured extraction context of a chunk.
// All fields are optional; zero values mean "not present".
type ChunkMetadata struct {
	SectionPath string `json:"section_path,omitempty"`
	PageNumber  int    `json:"page_number,omitempty"`
	TableRef    string `json:"table_ref,omitempty"`
	FigureRef   string `json:"figure_ref,omitempty"`
}

// TextChunk is the retrievable unit of text. Each chunk belongs to exactly
// one document and one leaf section.
type TextChunk struct {
	ID         string        `json:"id"`
	GroupID    string        `json:"group_id"`
	DocumentID string        `json:"document_id"`
	SectionID  string        `json:"section_id"`
	Text       string        `json:"text"`
	Embedding  []float32     `json:"embedding,omitempty"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// Sentence is a fine-grained unit under a chunk, used for high-precision
// sentence-level search. Carries its own embedding.
type Sentence struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	ChunkID   string    `json:"chunk_id"`
	Ordinal   int       `json:"ordinal"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Entity is a node in the entity graph: an organization, person, term or
// any other concept worth connecting across chunks.
type Entity struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	Name        string    `json:"name"`
	Aliases     []string  `json:"aliases,omitempty"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Importance  float64   `json:"importance"`
}

// EntityEdge is a directed RELATED_TO edge between two entities.
type EntityEdge struct {
	ID          string  `json:"id"`
	GroupID     string  `json:"group_id"`
	SourceID    string  `json:"source_id"`
	TargetID    string  `json:"target_id"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Mention is a MENTIONS edge linking an entity to a chunk it appears in.
type Mention struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	EntityID string `json:"entity_id"`
	ChunkID  string `json:"chunk_id"`
}

// Community is a query-time cluster of entities relevant to one query.
// It is a value with query lifetime, never a persisted partition of the graph.
type Community struct {
	Level    int      `json:"level"`
	Summary  string   `json:"summary,omitempty"`
	Entities []Entity `json:"entities"`
}

// RaptorNode is a node of the hierarchical recursive summary tree. Higher
// levels summarize progressively larger spans of the corpus; ChunkIDs link a
// summary back to the source chunks it covers.
type RaptorNode struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"group_id"`
	ParentID  string    `json:"parent_id"`
	Level     int       `json:"level"`
	Summary   string    `json:"summary"`
	Embedding []float32 `json:"embedding,omitempty"`
	ChunkIDs  []string  `json:"chunk_ids,omitempty"`
}

// KeyValue is a high-precision structured extraction: a named field with its
// value and extraction confidence, anchored to the chunk it came from.
type KeyValue struct {
	ID         string  `json:"id"`
	GroupID    string  `json:"group_id"`
	DocumentID string  `json:"document_id"`
	SectionID  string  `json:"section_id"`
	ChunkID    string  `json:"chunk_id"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ScoredChunk pairs a chunk with a retrieval score. Scores from different
// stages are only comparable after rank fusion.
type ScoredChunk struct {
	Chunk TextChunk `json:"chunk"`
	Score float64   `json:"score"`
}

// ScoredEntity pairs an entity with a retrieval score.
type ScoredEntity struct {
	Entity Entity  `json:"entity"`
	Score  float64 `json:"score"`
}

// ScoredSentence pairs a sentence with a retrieval score.
type ScoredSentence struct {
	Sentence Sentence `json:"sentence"`
	Score    float64  `json:"score"`
}

// ScoredRaptorNode pairs a summary node with a retrieval score.
type ScoredRaptorNode struct {
	Node  RaptorNode `json:"node"`
	Score float64    `json:"score"`
}

// IngestPayload is one pre-extracted document as delivered by the external
// extraction service. All group IDs are assigned by the caller; the indexer
// only derives deterministic node IDs and fills structural gaps.
type IngestPayload struct {
	Document  Document     `json:"document"`
	Sections  []Section    `json:"sections,omitempty"`
	Chunks    []TextChunk  `json:"chunks"`
	Entities  []Entity     `json:"entities,omitempty"`
	Edges     []EntityEdge `json:"edges,omitempty"`
	Mentions  []Mention    `json:"mentions,omitempty"`
	KeyValues []KeyValue   `json:"key_values,omitempty"`
	Raptor    []RaptorNode `json:"raptor,omitempty"`
}
