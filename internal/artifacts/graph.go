package artifacts

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// graphMerger accumulates knowledge-graph fragments across a response.
// Nodes union by id with first-wins metadata; edges union by the
// (source, target, label) triple with evidence lists merged as an ordered
// set. Iteration order is preserved so merged output is deterministic.
type graphMerger struct {
	nodeOrder []string
	nodes     map[string]models.GraphNode

	edgeOrder []edgeKey
	edges     map[edgeKey]*models.GraphEdge
	evidence  map[edgeKey]map[string]bool
}

type edgeKey struct {
	source, target, label string
}

func newGraphMerger() *graphMerger {
	return &graphMerger{
		nodes:    make(map[string]models.GraphNode),
		edges:    make(map[edgeKey]*models.GraphEdge),
		evidence: make(map[edgeKey]map[string]bool),
	}
}

// mergeJSON parses a knowledge-graph payload and folds it in.
func (g *graphMerger) mergeJSON(content string) error {
	var graph models.KnowledgeGraph
	if err := json.Unmarshal([]byte(content), &graph); err != nil {
		return fmt.Errorf("decode knowledge graph: %w", err)
	}
	g.merge(&graph)
	return nil
}

func (g *graphMerger) merge(graph *models.KnowledgeGraph) {
	for _, node := range graph.Nodes {
		if node.ID == "" {
			continue
		}
		if _, seen := g.nodes[node.ID]; seen {
			continue
		}
		g.nodes[node.ID] = node
		g.nodeOrder = append(g.nodeOrder, node.ID)
	}

	for _, edge := range graph.Edges {
		key := edgeKey{edge.Source, edge.Target, edge.Label}
		existing, seen := g.edges[key]
		if !seen {
			kept := edge
			kept.Evidence = nil
			g.edges[key] = &kept
			g.edgeOrder = append(g.edgeOrder, key)
			g.evidence[key] = make(map[string]bool)
			existing = &kept
		}
		for _, ev := range edge.Evidence {
			if g.evidence[key][ev] {
				continue
			}
			g.evidence[key][ev] = true
			existing.Evidence = append(existing.Evidence, ev)
		}
	}
}

func (g *graphMerger) empty() bool {
	return len(g.nodeOrder) == 0 && len(g.edgeOrder) == 0
}

// result renders the merged graph as a JSON string.
func (g *graphMerger) result() (string, error) {
	graph := models.KnowledgeGraph{
		Nodes: make([]models.GraphNode, 0, len(g.nodeOrder)),
		Edges: make([]models.GraphEdge, 0, len(g.edgeOrder)),
	}
	for _, id := range g.nodeOrder {
		graph.Nodes = append(graph.Nodes, g.nodes[id])
	}
	for _, key := range g.edgeOrder {
		graph.Edges = append(graph.Edges, *g.edges[key])
	}

	raw, err := json.Marshal(graph)
	if err != nil {
		return "", fmt.Errorf("encode knowledge graph: %w", err)
	}
	return string(raw), nil
}
