package artifacts

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/switchboard/pkg/models"
)

func decodeGraph(t *testing.T, content string) models.KnowledgeGraph {
	t.Helper()
	var graph models.KnowledgeGraph
	if err := json.Unmarshal([]byte(content), &graph); err != nil {
		t.Fatalf("decode merged graph: %v", err)
	}
	return graph
}

func TestGraphMergeNodesFirstWins(t *testing.T) {
	m := newGraphMerger()
	m.merge(&models.KnowledgeGraph{Nodes: []models.GraphNode{
		{ID: "tp53", Label: "TP53", Type: "gene"},
	}})
	m.merge(&models.KnowledgeGraph{Nodes: []models.GraphNode{
		{ID: "tp53", Label: "p53 protein", Type: "protein"},
		{ID: "mdm2", Label: "MDM2"},
	}})

	content, err := m.result()
	if err != nil {
		t.Fatal(err)
	}
	graph := decodeGraph(t, content)
	if len(graph.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(graph.Nodes))
	}
	if graph.Nodes[0].ID != "tp53" || graph.Nodes[0].Label != "TP53" || graph.Nodes[0].Type != "gene" {
		t.Errorf("first occurrence lost: %+v", graph.Nodes[0])
	}
	if graph.Nodes[1].ID != "mdm2" {
		t.Errorf("second node = %+v", graph.Nodes[1])
	}
}

func TestGraphMergeEdgeEvidenceUnion(t *testing.T) {
	m := newGraphMerger()
	m.merge(&models.KnowledgeGraph{Edges: []models.GraphEdge{
		{Source: "tp53", Target: "mdm2", Label: "inhibits", Evidence: []string{"pmid:1", "pmid:2"}},
	}})
	m.merge(&models.KnowledgeGraph{Edges: []models.GraphEdge{
		{Source: "tp53", Target: "mdm2", Label: "inhibits", Evidence: []string{"pmid:2", "pmid:3"}},
		{Source: "tp53", Target: "mdm2", Label: "binds"},
	}})

	content, err := m.result()
	if err != nil {
		t.Fatal(err)
	}
	graph := decodeGraph(t, content)
	if len(graph.Edges) != 2 {
		t.Fatalf("edges = %d, want 2", len(graph.Edges))
	}
	got := graph.Edges[0].Evidence
	want := []string{"pmid:1", "pmid:2", "pmid:3"}
	if len(got) != len(want) {
		t.Fatalf("evidence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("evidence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if graph.Edges[1].Label != "binds" {
		t.Errorf("distinct label collapsed: %+v", graph.Edges[1])
	}
}

func TestGraphMergeIdempotent(t *testing.T) {
	fragment := `{"nodes":[{"id":"a"},{"id":"b"}],"edges":[{"source":"a","target":"b","label":"related_to","evidence":["pmid:9"]}]}`

	m := newGraphMerger()
	for i := 0; i < 3; i++ {
		if err := m.mergeJSON(fragment); err != nil {
			t.Fatal(err)
		}
	}

	content, err := m.result()
	if err != nil {
		t.Fatal(err)
	}
	graph := decodeGraph(t, content)
	if len(graph.Nodes) != 2 || len(graph.Edges) != 1 {
		t.Errorf("nodes=%d edges=%d after repeated merge", len(graph.Nodes), len(graph.Edges))
	}
	if len(graph.Edges[0].Evidence) != 1 {
		t.Errorf("evidence duplicated: %v", graph.Edges[0].Evidence)
	}
}

func TestGraphMergeBadJSON(t *testing.T) {
	m := newGraphMerger()
	if err := m.mergeJSON("{nope"); err == nil {
		t.Error("expected decode error")
	}
	if !m.empty() {
		t.Error("failed merge mutated state")
	}
}

func TestBibliographyMergeByPMID(t *testing.T) {
	m := newBibMerger()
	m.merge([]models.BibliographyEntry{
		{PMID: "100", Title: "First"},
		{PMID: "", Title: "no id"},
	})
	m.merge([]models.BibliographyEntry{
		{PMID: "100", Title: "Duplicate"},
		{PMID: "200", Title: "Second"},
	})

	content, err := m.result()
	if err != nil {
		t.Fatal(err)
	}
	var entries []models.BibliographyEntry
	if err := json.Unmarshal([]byte(content), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].PMID != "100" || entries[0].Title != "First" {
		t.Errorf("first-wins violated: %+v", entries[0])
	}
	if entries[1].PMID != "200" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestBibliographyMergeWrapperForm(t *testing.T) {
	m := newBibMerger()
	if err := m.mergeJSON(`{"entries":[{"pmid":"300","title":"Wrapped"}]}`); err != nil {
		t.Fatal(err)
	}
	if err := m.mergeJSON(`[{"pmid":"400"}]`); err != nil {
		t.Fatal(err)
	}
	if m.empty() {
		t.Fatal("merger empty after merges")
	}
	content, err := m.result()
	if err != nil {
		t.Fatal(err)
	}
	var entries []models.BibliographyEntry
	if err := json.Unmarshal([]byte(content), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].PMID != "300" || entries[1].PMID != "400" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"application/vnd.ant.knowledge-graph", models.ArtifactTypeKnowledgeGraph},
		{"application/knowledge-graph", models.ArtifactTypeKnowledgeGraph},
		{"  Application/VND.ANT.Bibliography ", models.ArtifactTypeBibliography},
		{"code", models.ArtifactTypeCode},
		{"text/markdown", "text/markdown"},
		{"application/x-custom", "application/x-custom"},
	}
	for _, tt := range tests {
		if got := NormalizeType(tt.in); got != tt.want {
			t.Errorf("NormalizeType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLanguageFromType(t *testing.T) {
	if lang, ok := languageFromType("application/vnd.code.python"); !ok || lang != "python" {
		t.Errorf("got %q, %v", lang, ok)
	}
	if lang, ok := languageFromType("text/x-go"); !ok || lang != "go" {
		t.Errorf("got %q, %v", lang, ok)
	}
	if _, ok := languageFromType("text/plain"); ok {
		t.Error("text/plain should not carry a language")
	}
}
