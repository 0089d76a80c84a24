// Package artifacts consolidates tool output and formatter-declared content
// into the typed artifact list attached to a chat response: media-type
// normalization, knowledge-graph and bibliography merging, and reference
// markers in the conversation text.
package artifacts

import (
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// typeAliases maps media types emitted by older servers and models onto the
// canonical set.
var typeAliases = map[string]string{
	"application/vnd.ant.knowledge-graph": models.ArtifactTypeKnowledgeGraph,
	"application/knowledge-graph":         models.ArtifactTypeKnowledgeGraph,
	"application/vnd.ant.bibliography":    models.ArtifactTypeBibliography,
	"code":                                models.ArtifactTypeCode,
	"application/vnd.ant.code":            models.ArtifactTypeCode,
}

// NormalizeType maps a declared artifact type onto the canonical media
// type. Unknown types pass through unchanged.
func NormalizeType(t string) string {
	t = strings.TrimSpace(t)
	if canonical, ok := typeAliases[strings.ToLower(t)]; ok {
		return canonical
	}
	return t
}

// languageFromType extracts the language hint from a typed code part such
// as application/vnd.code.python or text/x-go.
func languageFromType(mimeType string) (string, bool) {
	switch {
	case strings.HasPrefix(mimeType, models.ArtifactTypeCode+"."):
		return strings.TrimPrefix(mimeType, models.ArtifactTypeCode+"."), true
	case strings.HasPrefix(mimeType, "text/x-"):
		return strings.TrimPrefix(mimeType, "text/x-"), true
	default:
		return "", false
	}
}
