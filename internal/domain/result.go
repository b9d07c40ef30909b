package domain

// ParseResult is the normalized output of any backend.
// Chunks are derived from Markdown (or Raw) and never come from the backend.
type ParseResult struct {
	Source   string         `json:"source,omitempty"`
	Kind     Kind           `json:"content_type"`
	Markdown string         `json:"markdown"`
	Raw      any            `json:"raw,omitempty"`
	Chunks   []Chunk        `json:"chunks"`
	Metadata map[string]any `json:"metadata"`
}

type Chunk struct {
	Index   int    `json:"index"`
	Text    string `json:"text"`
	Section string `json:"section,omitempty"`
	Tokens  int    `json:"tokens"`
}

type BatchEntry struct {
	Position int          `json:"position"`
	JobID    string       `json:"job_id"`
	Status   JobState     `json:"status,omitempty"`
	Result   *ParseResult `json:"result,omitempty"`
	Error    *Error       `json:"error,omitempty"`
}

type BatchResponse struct {
	BatchID string       `json:"batch_id"`
	Kind    Kind         `json:"kind"`
	Entries []BatchEntry `json:"entries"`
}
