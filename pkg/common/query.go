package common

// QueryMode selects a retrieval route, or lets the router decide.
type QueryMode string

const (
	ModeVector  QueryMode = "vector"
	ModeLocal   QueryMode = "local"
	ModeGlobal  QueryMode = "global"
	ModeDrift   QueryMode = "drift"
	ModeUnified QueryMode = "unified"
	ModeAuto    QueryMode = "auto"
)

// ResponseType hints the answer shape the synthesizer should produce.
type ResponseType string

const (
	ResponseParagraph ResponseType = "paragraph"
	ResponseSummary   ResponseType = "summary"
	ResponseList      ResponseType = "list"
)

// QueryRequest is the engine's external query contract.
type QueryRequest struct {
	Query        string       `json:"query" validate:"required"`
	GroupID      string       `json:"group_id" validate:"required"`
	Mode         QueryMode    `json:"mode,omitempty"`
	ResponseType ResponseType `json:"response_type,omitempty"`
	TimeoutMS    int          `json:"timeout_ms,omitempty"`
}

// Citation binds one piece of the answer to its evidence chunk.
type Citation struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	Score         float64 `json:"score"`
	TextPreview   string  `json:"text_preview"`
}

// QueryMetadata exposes route internals for observability.
type QueryMetadata struct {
	TierSeedCounts  map[string]int   `json:"tier_seed_counts,omitempty"`
	PPRNodeCount    int              `json:"ppr_node_count,omitempty"`
	Timings         map[string]int64 `json:"timings,omitempty"`
	RouterReasoning string           `json:"router_reasoning,omitempty"`
	Partial         bool             `json:"partial,omitempty"`
	Confidence      float64          `json:"confidence,omitempty"`
}

// QueryResponse is the engine's external answer contract.
type QueryResponse struct {
	Answer           string        `json:"answer"`
	RouteUsed        string        `json:"route_used"`
	Citations        []Citation    `json:"citations"`
	Metadata         QueryMetadata `json:"metadata"`
	EvidenceLanguage string        `json:"evidence_language,omitempty"`
}
