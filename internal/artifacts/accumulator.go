package artifacts

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchboard/internal/media"
	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/pkg/models"
)

// Accumulator collects artifacts over the lifetime of one chat request:
// typed content from tool results plus whatever the model declares in its
// formatter call. Knowledge-graph and bibliography fragments are merged
// rather than duplicated. Not safe for concurrent use; each request owns
// its accumulator.
type Accumulator struct {
	logger      *slog.Logger
	maxImageDim int

	slots []slot

	graph        *graphMerger
	graphTitle   string
	graphTouched bool

	bib      *bibMerger
	bibTitle string
}

// slot is one position in the response's artifact order. The knowledge
// graph holds a placeholder at its first occurrence; everything else is a
// concrete artifact awaiting an id and position.
type slot struct {
	artifact models.Artifact
	isGraph  bool
}

// New creates an accumulator.
func New(logger *slog.Logger, maxImageDim int) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxImageDim <= 0 {
		maxImageDim = media.DefaultMaxDimension
	}
	return &Accumulator{
		logger:      logger.With("component", "artifacts"),
		maxImageDim: maxImageDim,
		graph:       newGraphMerger(),
		bib:         newBibMerger(),
	}
}

// SeedPinned folds pinned knowledge graphs into the merge so the response
// extends them instead of starting over. Seeds alone produce no output
// artifact; only a response that actually touches the graph does.
func (a *Accumulator) SeedPinned(pinned []models.Artifact) {
	for _, artifact := range pinned {
		if NormalizeType(artifact.Type) != models.ArtifactTypeKnowledgeGraph {
			continue
		}
		if err := a.graph.mergeJSON(artifact.Content); err != nil {
			a.logger.Warn("ignoring undecodable pinned graph", "title", artifact.Title, "error", err)
		}
	}
}

// IngestToolResult extracts artifacts from one tool call result. Text
// parts carry no artifacts; they flow back to the model as conversation.
func (a *Accumulator) IngestToolResult(server string, result *mcp.ToolCallResult) {
	if result == nil || result.IsError {
		return
	}

	var imageIndexes []int
	var codeID string

	for _, part := range result.Content {
		switch part.Type {
		case "image":
			index := a.ingestImage(part)
			if index >= 0 {
				imageIndexes = append(imageIndexes, index)
			}
		case "resource":
			if part.Resource == nil {
				continue
			}
			if id, isCode := a.ingestResource(server, part.Resource); isCode && codeID == "" {
				codeID = id
			}
		}
	}

	// An image next to a code part in the same result is that code's
	// rendered output.
	if codeID != "" {
		for _, index := range imageIndexes {
			a.slots[index].artifact.SourceArtifactID = codeID
		}
	}
}

// IngestDeclared adds one formatter-declared artifact after media-type
// normalization.
func (a *Accumulator) IngestDeclared(artifactType, title, content, language string) {
	artifactType = NormalizeType(artifactType)

	switch artifactType {
	case models.ArtifactTypeKnowledgeGraph:
		if err := a.graph.mergeJSON(content); err != nil {
			a.logger.Warn("undecodable knowledge graph from formatter", "error", err)
			return
		}
		a.touchGraph(title)
	case models.ArtifactTypeBibliography:
		if err := a.bib.mergeJSON(content); err != nil {
			a.logger.Warn("undecodable bibliography from formatter", "error", err)
			return
		}
		if a.bibTitle == "" {
			a.bibTitle = title
		}
	default:
		a.append(models.Artifact{
			Type:     artifactType,
			Title:    title,
			Content:  content,
			Language: language,
		})
	}
}

// Finalize assigns fresh ids and contiguous positions, appends the merged
// knowledge graph and bibliography, and materializes reference markers in
// the conversation text. The accumulator must not be reused afterwards.
func (a *Accumulator) Finalize(conversation string) (string, []models.Artifact) {
	var result []models.Artifact

	for _, s := range a.slots {
		if s.isGraph {
			content, err := a.graph.result()
			if err != nil {
				a.logger.Error("knowledge graph serialization failed", "error", err)
				continue
			}
			title := a.graphTitle
			if title == "" {
				title = "Knowledge Graph"
			}
			result = append(result, models.Artifact{
				Type:    models.ArtifactTypeKnowledgeGraph,
				Title:   title,
				Content: content,
			})
			continue
		}
		result = append(result, s.artifact)
	}

	if !a.bib.empty() {
		content, err := a.bib.result()
		if err != nil {
			a.logger.Error("bibliography serialization failed", "error", err)
		} else {
			title := a.bibTitle
			if title == "" {
				title = "Bibliography"
			}
			result = append(result, models.Artifact{
				Type:    models.ArtifactTypeBibliography,
				Title:   title,
				Content: content,
			})
		}
	}

	var markers strings.Builder
	for i := range result {
		if result[i].ID == "" {
			result[i].ID = uuid.NewString()
		}
		result[i].Position = i

		ref := fmt.Sprintf(`<artifact ref="%s"/>`, result[i].ID)
		if !strings.Contains(conversation, ref) {
			markers.WriteString("\n")
			markers.WriteString(ref)
		}
	}

	return conversation + markers.String(), result
}

func (a *Accumulator) ingestImage(part mcp.ToolResultContent) int {
	if part.Data == "" {
		return -1
	}

	mimeType := part.MimeType
	if mimeType == "" {
		mimeType = "image/png"
	}

	data, boundedType, err := media.Bound(part.Data, mimeType, a.maxImageDim)
	if err != nil {
		a.logger.Warn("image processing failed, keeping original", "error", err)
		data, boundedType = part.Data, mimeType
	}

	return a.append(models.Artifact{
		Type:    boundedType,
		Title:   "Generated image",
		Content: data,
	})
}

// ingestResource converts one embedded resource into the matching typed
// artifact. Returns the slot's provisional id and whether it was code.
func (a *Accumulator) ingestResource(server string, resource *mcp.ResourceContent) (string, bool) {
	mimeType := NormalizeType(resource.MimeType)
	title := resourceTitle(server, resource.URI)
	content := resource.Text
	if content == "" {
		content = resource.Blob
	}

	if language, ok := languageFromType(mimeType); ok {
		index := a.append(models.Artifact{
			Type:     models.ArtifactTypeCode,
			Title:    title,
			Content:  content,
			Language: language,
		})
		return a.slots[index].artifact.ID, true
	}

	switch mimeType {
	case models.ArtifactTypeKnowledgeGraph:
		if err := a.graph.mergeJSON(content); err != nil {
			a.logger.Warn("undecodable knowledge graph resource", "server", server, "error", err)
			return "", false
		}
		a.touchGraph(title)
	case models.ArtifactTypeBibliography:
		if err := a.bib.mergeJSON(content); err != nil {
			a.logger.Warn("undecodable bibliography resource", "server", server, "error", err)
			return "", false
		}
		if a.bibTitle == "" {
			a.bibTitle = title
		}
	case models.ArtifactTypeCode, models.ArtifactTypeTable, models.ArtifactTypeMarkdown:
		a.append(models.Artifact{Type: mimeType, Title: title, Content: content})
	default:
		// Unknown resource types pass through as opaque text.
		a.append(models.Artifact{Type: models.ArtifactTypeText, Title: title, Content: content})
	}
	return "", false
}

func (a *Accumulator) touchGraph(title string) {
	if a.graphTitle == "" && title != "" {
		a.graphTitle = title
	}
	if !a.graphTouched {
		a.graphTouched = true
		a.slots = append(a.slots, slot{isGraph: true})
	}
}

func (a *Accumulator) append(artifact models.Artifact) int {
	artifact.ID = uuid.NewString()
	a.slots = append(a.slots, slot{artifact: artifact})
	return len(a.slots) - 1
}

func resourceTitle(server, uri string) string {
	if uri == "" {
		return server + " resource"
	}
	base := path.Base(strings.TrimSuffix(uri, "/"))
	if base == "" || base == "." || base == "/" {
		return uri
	}
	return base
}
