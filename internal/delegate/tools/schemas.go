package tools

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// builtinDescriptors is the fixed ToolDescriptor set every Backend advertises.
// Schemas are plain JSON Schema objects, validated with santhosh-tekuri/jsonschema
// before dispatch.
var builtinDescriptors = []delegate.ToolDescriptor{
	{
		Name:        "builtin.read_file",
		Description: "Read the full contents of a file as text.",
		Schema:      schema(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
	},
	{
		Name:        "builtin.write_file",
		Description: "Overwrite a file with the given text content, creating it if needed.",
		Schema:      schema(`{"type":"object","required":["path","content"],"properties":{"path":{"type":"string"},"content":{"type":"string"}}}`),
	},
	{
		Name:        "builtin.patch_file",
		Description: "Apply one or more ordered search/replace changes to a file atomically.",
		Schema: schema(`{"type":"object","required":["path","changes"],"properties":{
			"path":{"type":"string"},
			"changes":{"type":"array","minItems":1,"items":{"type":"object","required":["search","replace"],"properties":{
				"search":{"type":"string"},"replace":{"type":"string"},"occurrence":{"type":"integer","minimum":1}
			}}}
		}}`),
	},
	{
		Name:        "builtin.list_files",
		Description: "List entries of a directory (non-recursive); directories are suffixed with /.",
		Schema:      schema(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	},
	{
		Name:        "builtin.file_exists",
		Description: "Check whether a path exists, and whether it is a directory.",
		Schema:      schema(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
	},
	{
		Name:        "builtin.execute_bash_command",
		Description: "Run a bash command and return its combined output.",
		Schema:      schema(`{"type":"object","required":["command"],"properties":{"command":{"type":"string"}}}`),
	},
	{
		Name:        "builtin.execute_python_code",
		Description: "Run a block of Python code and return its output.",
		Schema:      schema(`{"type":"object","required":["code"],"properties":{"code":{"type":"string"}}}`),
	},
	{
		Name:        "builtin.get_system_prompt",
		Description: "Return the system prompt text last stored with set_system_prompt (empty if none).",
		Schema:      schema(`{"type":"object"}`),
	},
	{
		Name:        "builtin.set_system_prompt",
		Description: "Store a system prompt text for get_system_prompt; it does not change the prompt of a running task.",
		Schema:      schema(`{"type":"object","required":["prompt"],"properties":{"prompt":{"type":"string"}}}`),
	},
	{
		Name:        "builtin.read_image",
		Description: "Read an image file and return it base64-encoded as a data URL.",
		Schema:      schema(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
	},
}

func schema(jsonText string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(jsonText), &m); err != nil {
		panic("tools: invalid builtin schema literal: " + err.Error())
	}
	return m
}

// compileBuiltinSchemas compiles every builtin's declared schema once at
// construction; a schema that fails to compile is logged and skipped (its tool
// runs without argument validation rather than failing the whole backend).
func compileBuiltinSchemas(log zerolog.Logger) map[string]*jsonschema.Schema {
	compiled := make(map[string]*jsonschema.Schema, len(builtinDescriptors))
	for _, d := range builtinDescriptors {
		raw, err := json.Marshal(d.Schema)
		if err != nil {
			log.Warn().Err(err).Str("tool", d.Name).Msg("could not marshal builtin schema")
			continue
		}
		compiler := jsonschema.NewCompiler()
		resource := d.Name + ".schema.json"
		if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
			log.Warn().Err(err).Str("tool", d.Name).Msg("could not register builtin schema")
			continue
		}
		s, err := compiler.Compile(resource)
		if err != nil {
			log.Warn().Err(err).Str("tool", d.Name).Msg("could not compile builtin schema")
			continue
		}
		compiled[d.Name] = s
	}
	return compiled
}

func validateArgs(s *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
