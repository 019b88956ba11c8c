package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema generates the JSON Schema for the core configuration sections.
// Extension sections such as "logging" are not part of it; LoadFromBytes
// separates them before validation.
func GenerateSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		// Typos inside a known section should fail loudly.
		AllowAdditionalProperties: false,
		// Expand struct references instead of using $ref for a flat schema.
		ExpandedStruct: true,
		// Every field has a default, so only explicit jsonschema:"required" tags count.
		RequiredFromJSONSchemaTags: true,
		// Use YAML field names for property names
		FieldNameTag: "yaml",
		// The schema is compiled in-process; no canonical $id is needed.
		Anonymous: true,
	}

	type coreConfig struct {
		Server     ServerConfig     `yaml:"server,omitempty" jsonschema:"description=WebSocket and HTTP listener settings"`
		Hub        HubConfig        `yaml:"hub,omitempty" jsonschema:"description=Synchronization core tuning"`
		LLM        LLMConfig        `yaml:"llm,omitempty" jsonschema:"description=Language model used by chat commands"`
		Transcribe TranscribeConfig `yaml:"transcribe,omitempty" jsonschema:"description=Speech-to-text relay for /transcribe"`
	}

	schema := r.Reflect(&coreConfig{})
	schema.Title = "paramhub Configuration"
	schema.Description = "Schema for paramhub.yml core sections."
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return json.MarshalIndent(schema, "", "  ")
}
