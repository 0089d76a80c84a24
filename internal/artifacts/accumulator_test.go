package artifacts

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/haasonsaas/switchboard/internal/mcp"
	"github.com/haasonsaas/switchboard/pkg/models"
)

func testPNG(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestAccumulatorTextPartsProduceNoArtifacts(t *testing.T) {
	acc := New(nil, 0)
	acc.IngestToolResult("pubmed", &mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{Type: "text", Text: "plain answer"}},
	})

	conversation, artifacts := acc.Finalize("done")
	if len(artifacts) != 0 {
		t.Fatalf("artifacts = %d, want 0", len(artifacts))
	}
	if conversation != "done" {
		t.Errorf("conversation = %q", conversation)
	}
}

func TestAccumulatorErrorResultsIgnored(t *testing.T) {
	acc := New(nil, 0)
	acc.IngestToolResult("pubmed", &mcp.ToolCallResult{
		IsError: true,
		Content: []mcp.ToolResultContent{{
			Type:     "resource",
			Resource: &mcp.ResourceContent{URI: "kg://x", MimeType: models.ArtifactTypeKnowledgeGraph, Text: `{"nodes":[{"id":"a"}]}`},
		}},
	})

	if _, artifacts := acc.Finalize(""); len(artifacts) != 0 {
		t.Fatalf("artifacts from error result: %d", len(artifacts))
	}
}

func TestAccumulatorImageWithCodeLink(t *testing.T) {
	acc := New(nil, 0)
	acc.IngestToolResult("sandbox", &mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{
			{
				Type:     "resource",
				Resource: &mcp.ResourceContent{URI: "file:///plot.py", MimeType: "application/vnd.code.python", Text: "plt.plot(x, y)"},
			},
			{Type: "image", Data: testPNG(t, 40, 30), MimeType: "image/png"},
		},
	})

	_, artifacts := acc.Finalize("")
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}

	code, img := artifacts[0], artifacts[1]
	if code.Type != models.ArtifactTypeCode || code.Language != "python" {
		t.Errorf("code artifact = %+v", code)
	}
	if code.Title != "plot.py" {
		t.Errorf("title = %q", code.Title)
	}
	if img.Type != "image/png" {
		t.Errorf("image type = %q", img.Type)
	}
	if img.SourceArtifactID != code.ID {
		t.Errorf("SourceArtifactID = %q, want %q", img.SourceArtifactID, code.ID)
	}
}

func TestAccumulatorGraphMergedAtFirstOccurrence(t *testing.T) {
	acc := New(nil, 0)
	acc.IngestToolResult("pubmed", &mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{
			Type:     "resource",
			Resource: &mcp.ResourceContent{URI: "kg://run/1", MimeType: models.ArtifactTypeKnowledgeGraph, Text: `{"nodes":[{"id":"a"}],"edges":[]}`},
		}},
	})
	acc.IngestDeclared("text/markdown", "Notes", "# notes", "")
	acc.IngestDeclared("application/vnd.ant.knowledge-graph", "", `{"nodes":[{"id":"b"}],"edges":[]}`, "")

	_, artifacts := acc.Finalize("")
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	if artifacts[0].Type != models.ArtifactTypeKnowledgeGraph {
		t.Fatalf("artifacts[0].Type = %q, want knowledge graph first", artifacts[0].Type)
	}
	if !strings.Contains(artifacts[0].Content, `"a"`) || !strings.Contains(artifacts[0].Content, `"b"`) {
		t.Errorf("merged graph missing nodes: %s", artifacts[0].Content)
	}
	if artifacts[1].Type != models.ArtifactTypeMarkdown {
		t.Errorf("artifacts[1].Type = %q", artifacts[1].Type)
	}
}

func TestAccumulatorBibliographyAppendedLast(t *testing.T) {
	acc := New(nil, 0)
	acc.IngestDeclared("application/vnd.ant.bibliography", "Sources", `[{"pmid":"1"}]`, "")
	acc.IngestDeclared("text/markdown", "Summary", "text", "")
	acc.IngestToolResult("pubmed", &mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{
			Type:     "resource",
			Resource: &mcp.ResourceContent{URI: "bib://1", MimeType: models.ArtifactTypeBibliography, Text: `[{"pmid":"1"},{"pmid":"2"}]`},
		}},
	})

	_, artifacts := acc.Finalize("")
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(artifacts))
	}
	last := artifacts[len(artifacts)-1]
	if last.Type != models.ArtifactTypeBibliography {
		t.Fatalf("last artifact = %q, want bibliography", last.Type)
	}
	if last.Title != "Sources" {
		t.Errorf("title = %q", last.Title)
	}
	if strings.Count(last.Content, "pmid") != 2 {
		t.Errorf("expected 2 merged entries: %s", last.Content)
	}
}

func TestAccumulatorPinnedGraphSeedsMerge(t *testing.T) {
	acc := New(nil, 0)
	acc.SeedPinned([]models.Artifact{{
		Type:    models.ArtifactTypeKnowledgeGraph,
		Content: `{"nodes":[{"id":"seed","label":"Seed"}],"edges":[]}`,
	}})
	acc.IngestDeclared(models.ArtifactTypeKnowledgeGraph, "Graph", `{"nodes":[{"id":"new"}],"edges":[]}`, "")

	_, artifacts := acc.Finalize("")
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	if !strings.Contains(artifacts[0].Content, `"seed"`) || !strings.Contains(artifacts[0].Content, `"new"`) {
		t.Errorf("seed not merged: %s", artifacts[0].Content)
	}
}

func TestAccumulatorPinnedSeedAloneEmitsNothing(t *testing.T) {
	acc := New(nil, 0)
	acc.SeedPinned([]models.Artifact{{
		Type:    models.ArtifactTypeKnowledgeGraph,
		Content: `{"nodes":[{"id":"seed"}],"edges":[]}`,
	}})

	if _, artifacts := acc.Finalize(""); len(artifacts) != 0 {
		t.Fatalf("untouched seed produced %d artifacts", len(artifacts))
	}
}

func TestAccumulatorUnknownResourceBecomesText(t *testing.T) {
	acc := New(nil, 0)
	acc.IngestToolResult("files", &mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{
			Type:     "resource",
			Resource: &mcp.ResourceContent{URI: "file:///report.xyz", MimeType: "application/x-proprietary", Text: "raw bytes"},
		}},
	})

	_, artifacts := acc.Finalize("")
	if len(artifacts) != 1 {
		t.Fatalf("artifacts = %d, want 1", len(artifacts))
	}
	if artifacts[0].Type != models.ArtifactTypeText || artifacts[0].Content != "raw bytes" {
		t.Errorf("artifact = %+v", artifacts[0])
	}
}

func TestAccumulatorFinalizePositionsAndMarkers(t *testing.T) {
	acc := New(nil, 0)
	acc.IngestDeclared("text/markdown", "One", "a", "")
	acc.IngestDeclared("text/markdown", "Two", "b", "")

	conversation, artifacts := acc.Finalize("summary")
	if len(artifacts) != 2 {
		t.Fatalf("artifacts = %d", len(artifacts))
	}
	for i, artifact := range artifacts {
		if artifact.Position != i {
			t.Errorf("position[%d] = %d", i, artifact.Position)
		}
		if artifact.ID == "" {
			t.Errorf("artifact %d missing id", i)
		}
		marker := `<artifact ref="` + artifact.ID + `"/>`
		if !strings.Contains(conversation, marker) {
			t.Errorf("conversation missing marker for %q", artifact.Title)
		}
	}
	if artifacts[0].ID == artifacts[1].ID {
		t.Error("duplicate artifact ids")
	}
	if !strings.HasPrefix(conversation, "summary") {
		t.Errorf("conversation = %q", conversation)
	}
}
