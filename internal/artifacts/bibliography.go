package artifacts

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// bibMerger accumulates bibliography fragments: union by PMID, first
// occurrence wins on metadata conflicts, insertion order preserved.
type bibMerger struct {
	order   []string
	entries map[string]models.BibliographyEntry
}

func newBibMerger() *bibMerger {
	return &bibMerger{entries: make(map[string]models.BibliographyEntry)}
}

// mergeJSON accepts either a bare entry array or an {"entries": [...]}
// wrapper.
func (b *bibMerger) mergeJSON(content string) error {
	var entries []models.BibliographyEntry
	if err := json.Unmarshal([]byte(content), &entries); err != nil {
		var wrapper struct {
			Entries []models.BibliographyEntry `json:"entries"`
		}
		if err2 := json.Unmarshal([]byte(content), &wrapper); err2 != nil {
			return fmt.Errorf("decode bibliography: %w", err)
		}
		entries = wrapper.Entries
	}
	b.merge(entries)
	return nil
}

func (b *bibMerger) merge(entries []models.BibliographyEntry) {
	for _, entry := range entries {
		if entry.PMID == "" {
			continue
		}
		if _, seen := b.entries[entry.PMID]; seen {
			continue
		}
		b.entries[entry.PMID] = entry
		b.order = append(b.order, entry.PMID)
	}
}

func (b *bibMerger) empty() bool {
	return len(b.order) == 0
}

func (b *bibMerger) result() (string, error) {
	entries := make([]models.BibliographyEntry, 0, len(b.order))
	for _, pmid := range b.order {
		entries = append(entries, b.entries[pmid])
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode bibliography: %w", err)
	}
	return string(raw), nil
}
