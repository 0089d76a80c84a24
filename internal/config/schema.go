package config

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema renders the config file's JSON schema, for editor integration
// and `switchboard validate --schema`.
func Schema() ([]byte, error) {
	reflector := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = "switchboard configuration"

	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config schema: %w", err)
	}
	return raw, nil
}
