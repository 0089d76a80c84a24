package models

// Media types the host understands. Aliases produced by older servers are
// normalized to these at ingress.
const (
	ArtifactTypeKnowledgeGraph = "application/vnd.knowledge-graph"
	ArtifactTypeBibliography   = "application/vnd.bibliography"
	ArtifactTypeCode           = "application/vnd.code"
	ArtifactTypeTable          = "application/vnd.table"
	ArtifactTypeMarkdown       = "text/markdown"
	ArtifactTypeText           = "text/plain"
)

// Artifact is a typed, addressable chunk of content attached to a chat
// response: code, a knowledge graph, a bibliography, a table, an image.
// Content holds text, JSON-as-string, or base64 for binary types.
type Artifact struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	Position         int    `json:"position"`
	Language         string `json:"language,omitempty"`
	SourceArtifactID string `json:"sourceArtifactId,omitempty"`
}

// KnowledgeGraph is the JSON payload of a knowledge-graph artifact.
type KnowledgeGraph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphNode is keyed by ID; the first occurrence of an ID wins on merge.
type GraphNode struct {
	ID         string         `json:"id"`
	Label      string         `json:"label,omitempty"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphEdge is keyed by the (Source, Target, Label) triple. Evidence is an
// ordered set; merging duplicate edges unions their evidence lists.
type GraphEdge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Label      string         `json:"label"`
	Evidence   []string       `json:"evidence,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// BibliographyEntry is one citation in a bibliography artifact. Entries are
// keyed by PMID; metadata conflicts resolve first-wins.
type BibliographyEntry struct {
	PMID    string   `json:"pmid"`
	Title   string   `json:"title,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Journal string   `json:"journal,omitempty"`
	Year    string   `json:"year,omitempty"`
	URL     string   `json:"url,omitempty"`
}
