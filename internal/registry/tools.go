// Package registry implements the Capability Registry (C2): the single
// place tools, prompt templates, and resource adapters are registered
// and looked up for both MCP wire dispatch and the Agent Loop. Grounded
// on the teacher's internal/agent/tool_registry.go (RWMutex-guarded
// map, name-keyed registration, size-bounded Execute) generalised from
// an in-process Go Tool interface to schema-validated JSON arguments,
// since MCP tool calls arrive as arbitrary JSON from the wire.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Choapinus/ape/internal/apeerr"
	"github.com/Choapinus/ape/internal/models"
)

// ToolHandler executes a tool against already-schema-validated
// arguments and returns a JSON-serialisable result.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

type registeredTool struct {
	spec       models.ToolSpec
	schema     *jsonschema.Schema
	properties map[string]bool
	handler    ToolHandler
}

// declaredProperties extracts the top-level property names from a raw
// input_schema document, independent of the compiled jsonschema.Schema
// representation. A tool with no "properties" object (or no schema at
// all) declares zero properties.
func declaredProperties(rawSchema json.RawMessage) map[string]bool {
	if len(rawSchema) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(rawSchema, &doc); err != nil {
		return nil
	}
	if len(doc.Properties) == 0 {
		return nil
	}
	out := make(map[string]bool, len(doc.Properties))
	for name := range doc.Properties {
		out[name] = true
	}
	return out
}

// Registry is the shared capability table for tools, prompts, and
// resource adapters.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool

	prompts *PromptStore
	res     *ResourceTable
}

func New() *Registry {
	return &Registry{
		tools:   make(map[string]*registeredTool),
		prompts: NewPromptStore(),
		res:     NewResourceTable(),
	}
}

// Prompts returns the prompt store backing this registry.
func (r *Registry) Prompts() *PromptStore { return r.prompts }

// Resources returns the resource table backing this registry.
func (r *Registry) Resources() *ResourceTable { return r.res }

// RegisterTool compiles spec.InputSchema and adds the tool under
// spec.Name. Registering a name that is already present returns a
// CONFIG_FATAL error and leaves the existing registration in place.
func (r *Registry) RegisterTool(spec models.ToolSpec, handler ToolHandler) error {
	var schema *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		compiled, err := compileSchema(spec.Name, spec.InputSchema)
		if err != nil {
			return fmt.Errorf("compile schema for tool %q: %w", spec.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return apeerr.New(apeerr.ConfigFatal, fmt.Sprintf("duplicate tool name %q", spec.Name), map[string]any{"tool": spec.Name})
	}
	r.tools[spec.Name] = &registeredTool{
		spec:       spec,
		schema:     schema,
		properties: declaredProperties(spec.InputSchema),
		handler:    handler,
	}
	return nil
}

// UnregisterTool removes a tool by name.
func (r *Registry) UnregisterTool(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// ListTools returns every registered tool's spec, sorted by name, for
// the MCP tools/list verb.
func (r *Registry) ListTools() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MaxArgumentsSize caps tool-call argument payload size to prevent
// resource exhaustion from a malicious or malfunctioning agent,
// mirroring the teacher's MaxToolParamsSize limit.
const MaxArgumentsSize = 10 << 20 // 10MB

// Call validates args against the tool's schema, filters them down to
// the schema's declared properties, and invokes the handler with that
// filtered form only. Returns the filtered arguments alongside the
// result so callers that re-surface them (the signed envelope payload,
// a tool-error record) never echo a key the model emitted but the
// schema never declared. Returns an *apeerr.ApeError with code
// TOOL_NOT_FOUND or VALIDATION_ERROR without invoking the handler;
// wraps handler errors as TOOL_EXECUTION_ERROR.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, json.RawMessage, error) {
	if len(args) > MaxArgumentsSize {
		return nil, nil, apeerr.ValidationErr(name, fmt.Sprintf("arguments exceed maximum size of %d bytes", MaxArgumentsSize))
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, apeerr.ToolNotFoundErr(name)
	}

	if tool.schema != nil {
		var decoded any
		if len(args) == 0 {
			args = []byte("{}")
		}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, nil, apeerr.ValidationErr(name, fmt.Sprintf("arguments are not valid JSON: %v", err))
		}
		if err := tool.schema.Validate(decoded); err != nil {
			return nil, nil, apeerr.ValidationErr(name, err.Error())
		}
	}

	filtered, err := filterArguments(args, tool.properties)
	if err != nil {
		return nil, nil, apeerr.ValidationErr(name, fmt.Sprintf("arguments are not valid JSON: %v", err))
	}

	result, err := tool.handler(ctx, filtered)
	if err != nil {
		return nil, filtered, apeerr.ExecutionErr(name, err)
	}
	return result, filtered, nil
}

// filterArguments drops every key not declared under the schema's
// "properties" object (spec.md §4.5: "tools with empty
// input_schema.properties receive no arguments regardless of what the
// model emitted; tools that declare at least one property accept the
// intersection only"). A tool with no declared properties always
// receives "{}", regardless of additionalProperties.
func filterArguments(args json.RawMessage, properties map[string]bool) (json.RawMessage, error) {
	if len(properties) == 0 {
		return json.RawMessage(`{}`), nil
	}

	var decoded map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, err
		}
	}

	filtered := make(map[string]json.RawMessage, len(properties))
	for key, value := range decoded {
		if properties[key] {
			filtered[key] = value
		}
	}

	out, err := json.Marshal(filtered)
	if err != nil {
		return nil, err
	}
	return out, nil
}

var schemaCache sync.Map

// compileSchema compiles and caches a JSON Schema, keyed by the raw
// schema bytes, mirroring pkg/pluginsdk/validation.go's cache.
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
