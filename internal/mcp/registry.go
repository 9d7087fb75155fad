package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/diagd/internal/logger"
	"github.com/HyphaGroup/diagd/internal/metrics"
)

// ToolHandler runs one tool call on raw JSON arguments. req is nil when the
// call did not come through the MCP server.
type ToolHandler func(ctx context.Context, req *mcp_sdk.CallToolRequest, arguments json.RawMessage) (any, error)

// ToolDef describes a tool. InputSchema is derived from the handler's
// parameter struct when left nil.
type ToolDef struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Registry holds the tools in registration order and validates arguments
// before a handler sees them.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDef
	handlers map[string]ToolHandler
	schemas  map[string]*jsonschema.Resolved
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*ToolDef),
		handlers: make(map[string]ToolHandler),
		schemas:  make(map[string]*jsonschema.Resolved),
	}
}

// Register adds a tool whose handler takes P, a params struct or a pointer to one.
func Register[P any](r *Registry, def ToolDef, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.InputSchema == nil {
		def.InputSchema = paramsSchema(reflect.TypeOf((*P)(nil)).Elem())
	}
	if resolved, err := def.InputSchema.Resolve(nil); err == nil {
		r.schemas[def.Name] = resolved
	} else {
		logger.Error("Tool %s has an unresolvable input schema: %v", def.Name, err)
	}

	r.tools[def.Name] = &def
	r.handlers[def.Name] = typed(handler)
	r.order = append(r.order, def.Name)
}

// Validate checks JSON arguments against the tool's input schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	resolved, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var instance any = map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// CallTool executes a tool by name with JSON arguments.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return r.call(ctx, nil, name, args)
}

func (r *Registry) call(ctx context.Context, req *mcp_sdk.CallToolRequest, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if err := r.Validate(name, args); err != nil {
		metrics.RecordToolCall(name, "invalid")
		return nil, err
	}

	result, err := handler(ctx, req, args)
	if err != nil {
		metrics.RecordToolCall(name, "error")
		return nil, err
	}
	metrics.RecordToolCall(name, "ok")
	return result, nil
}

// RegisterWithMCPServer adds every tool to server. Handler errors become
// error results rather than protocol errors.
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		def := r.tools[name]
		tool := &mcp_sdk.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		}

		server.AddTool(tool, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			result, err := r.call(ctx, req, name, args)
			if err != nil {
				return NewErrorResult(err.Error()), nil
			}
			if ctr, ok := result.(*mcp_sdk.CallToolResult); ok {
				return ctr, nil
			}
			data, err := json.Marshal(result)
			if err != nil {
				return NewErrorResult(err.Error()), nil
			}
			return NewTextResult(string(data)), nil
		})
	}
}

// typed decodes arguments into P. A pointer P is never handed over nil.
func typed[P any](handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) ToolHandler {
	return func(ctx context.Context, req *mcp_sdk.CallToolRequest, args json.RawMessage) (any, error) {
		var params P
		if t := reflect.TypeOf((*P)(nil)).Elem(); t.Kind() == reflect.Pointer {
			params = reflect.New(t.Elem()).Interface().(P)
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		if req == nil {
			req = &mcp_sdk.CallToolRequest{Params: &mcp_sdk.CallToolParamsRaw{Arguments: args}}
		}

		result, data, err := handler(ctx, req, params)
		switch {
		case err != nil:
			return nil, err
		case result != nil && result.IsError:
			msg := "tool execution failed"
			if len(result.Content) > 0 {
				if text, ok := result.Content[0].(*mcp_sdk.TextContent); ok {
					msg = text.Text
				}
			}
			return nil, fmt.Errorf("%s", msg)
		case data != nil:
			return data, nil
		}
		return result, nil
	}
}

// paramsSchema describes a flat tool params struct. Fields without
// omitempty are required; the description and enum tags are copied over.
func paramsSchema(t reflect.Type) *jsonschema.Schema {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	schema := &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}
	if t.Kind() != reflect.Struct {
		return schema
	}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, opts, _ := strings.Cut(field.Tag.Get("json"), ",")
		if !field.IsExported() || name == "-" {
			continue
		}
		if name == "" {
			name = field.Name
		}

		prop := fieldSchema(field.Type)
		prop.Description = field.Tag.Get("description")
		if enum := field.Tag.Get("enum"); enum != "" {
			for _, v := range strings.Split(enum, "|") {
				prop.Enum = append(prop.Enum, v)
			}
		}
		schema.Properties[name] = prop
		if !strings.Contains(opts, "omitempty") {
			schema.Required = append(schema.Required, name)
		}
	}
	return schema
}

func fieldSchema(t reflect.Type) *jsonschema.Schema {
	switch t.Kind() {
	case reflect.Pointer:
		return fieldSchema(t.Elem())
	case reflect.Bool:
		return &jsonschema.Schema{Type: "boolean"}
	case reflect.Int, reflect.Int32, reflect.Int64:
		return &jsonschema.Schema{Type: "integer"}
	case reflect.Slice:
		return &jsonschema.Schema{Type: "array", Items: fieldSchema(t.Elem())}
	case reflect.Map:
		return &jsonschema.Schema{Type: "object", AdditionalProperties: fieldSchema(t.Elem())}
	}
	return &jsonschema.Schema{Type: "string"}
}
