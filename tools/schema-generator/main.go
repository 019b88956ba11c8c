// Command schema-generator writes the JSON schema for paramhub.yml, with the
// logging extension merged in, for editor completion.
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/grovetools/paramhub/config"
	"github.com/grovetools/paramhub/logging"
	"github.com/invopop/jsonschema"
)

func main() {
	out := flag.String("out", "schema/paramhub.schema.json", "Output path")
	flag.Parse()

	coreBytes, err := config.GenerateSchema()
	if err != nil {
		log.Fatalf("Error generating schema: %v", err)
	}
	var core map[string]interface{}
	if err := sonic.ConfigStd.Unmarshal(coreBytes, &core); err != nil {
		log.Fatalf("Error decoding core schema: %v", err)
	}

	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}
	loggingSchema := r.Reflect(&logging.Config{})
	loggingSchema.Description = "The 'logging' extension section."
	// Every logging field is optional
	loggingSchema.Required = nil
	loggingSchema.Version = ""

	props, _ := core["properties"].(map[string]interface{})
	if props == nil {
		log.Fatalf("Core schema has no properties")
	}
	props["logging"] = loggingSchema

	data, err := sonic.ConfigStd.MarshalIndent(core, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling schema: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0755); err != nil {
		log.Fatalf("Error creating schema directory: %v", err)
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		log.Fatalf("Error writing schema file: %v", err)
	}
	log.Printf("Successfully generated schema at %s", *out)
}
