package mcp

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestParamsSchema(t *testing.T) {
	type Params struct {
		Action  string            `json:"action" enum:"start|stop"`
		Name    string            `json:"name,omitempty" description:"target name"`
		Limit   int               `json:"limit,omitempty"`
		Force   *bool             `json:"force,omitempty"`
		Tags    []string          `json:"tags,omitempty"`
		Labels  map[string]string `json:"labels,omitempty"`
		Secret  string            `json:"-"`
		private string
	}
	schema := paramsSchema(reflect.TypeOf(&Params{}))

	if schema.Type != "object" {
		t.Errorf("Type = %q, want object", schema.Type)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "action" {
		t.Errorf("Required = %v, want [action]", schema.Required)
	}
	for _, hidden := range []string{"Secret", "-", "private"} {
		if _, ok := schema.Properties[hidden]; ok {
			t.Errorf("property %q should not be in the schema", hidden)
		}
	}

	tests := []struct {
		prop string
		want string
	}{
		{"action", "string"},
		{"name", "string"},
		{"limit", "integer"},
		{"force", "boolean"},
		{"tags", "array"},
		{"labels", "object"},
	}
	for _, tt := range tests {
		p, ok := schema.Properties[tt.prop]
		if !ok {
			t.Errorf("missing property %q", tt.prop)
			continue
		}
		if p.Type != tt.want {
			t.Errorf("%s: Type = %q, want %q", tt.prop, p.Type, tt.want)
		}
	}

	if got := schema.Properties["action"].Enum; len(got) != 2 || got[0] != "start" || got[1] != "stop" {
		t.Errorf("action enum = %v, want [start stop]", got)
	}
	if got := schema.Properties["name"].Description; got != "target name" {
		t.Errorf("name description = %q", got)
	}
	if items := schema.Properties["tags"].Items; items == nil || items.Type != "string" {
		t.Errorf("tags items = %+v, want string", items)
	}
	if extra := schema.Properties["labels"].AdditionalProperties; extra == nil || extra.Type != "string" {
		t.Errorf("labels values = %+v, want string", extra)
	}
}

func TestParamsSchema_EmptyParams(t *testing.T) {
	schema := paramsSchema(reflect.TypeOf(InstancesParams{}))
	if schema.Type != "object" || len(schema.Properties) != 0 || len(schema.Required) != 0 {
		t.Errorf("schema = %+v", schema)
	}
	if _, err := schema.Resolve(nil); err != nil {
		t.Errorf("Resolve() error = %v", err)
	}
}

func TestRegistry_CallTool(t *testing.T) {
	r := NewRegistry()

	type Params struct {
		Name string `json:"name"`
	}

	handler := func(ctx context.Context, req *mcp_sdk.CallToolRequest, params Params) (*mcp_sdk.CallToolResult, any, error) {
		return NewTextResult("Hello " + params.Name), nil, nil
	}

	Register(r, ToolDef{Name: "greet"}, handler)

	args, _ := json.Marshal(map[string]string{"name": "World"})
	result, err := r.CallTool(context.Background(), "greet", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctr, ok := result.(*mcp_sdk.CallToolResult)
	if !ok {
		t.Fatalf("expected CallToolResult, got %T", result)
	}

	text := ctr.Content[0].(*mcp_sdk.TextContent).Text
	if text != "Hello World" {
		t.Errorf("expected 'Hello World', got %q", text)
	}
}

func TestRegistry_CallTool_UnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.CallTool(context.Background(), "unknown", nil)
	if err == nil || err.Error() != "unknown tool: unknown" {
		t.Errorf("expected 'unknown tool' error, got %v", err)
	}
}

func TestRegistry_CallTool_ValidatesSchema(t *testing.T) {
	r := NewRegistry()

	type Params struct {
		Action string `json:"action" enum:"start|stop"`
		Count  int    `json:"count,omitempty"`
	}
	var calls int
	handler := func(ctx context.Context, req *mcp_sdk.CallToolRequest, params *Params) (*mcp_sdk.CallToolResult, any, error) {
		calls++
		return NewTextResult(params.Action), nil, nil
	}
	Register(r, ToolDef{Name: "ctl"}, handler)

	tests := []struct {
		name    string
		args    string
		wantErr bool
	}{
		{"valid", `{"action":"start"}`, false},
		{"valid with count", `{"action":"stop","count":3}`, false},
		{"missing required", `{}`, true},
		{"no arguments", ``, true},
		{"not in enum", `{"action":"pause"}`, true},
		{"wrong type", `{"action":"start","count":"three"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.CallTool(context.Background(), "ctl", json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("CallTool(%s) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestRegistry_CallTool_NilPointerParams(t *testing.T) {
	r := NewRegistry()

	type Params struct {
		Verbose bool `json:"verbose,omitempty"`
	}
	handler := func(ctx context.Context, req *mcp_sdk.CallToolRequest, params *Params) (*mcp_sdk.CallToolResult, any, error) {
		if params == nil {
			t.Fatal("params should never be nil")
		}
		return nil, map[string]bool{"verbose": params.Verbose}, nil
	}
	Register(r, ToolDef{Name: "status"}, handler)

	result, err := r.CallTool(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if m, ok := result.(map[string]bool); !ok || m["verbose"] {
		t.Errorf("result = %#v", result)
	}
}

func TestRegistry_ErrorResultBecomesError(t *testing.T) {
	r := NewRegistry()

	type Params struct{}
	handler := func(ctx context.Context, req *mcp_sdk.CallToolRequest, params Params) (*mcp_sdk.CallToolResult, any, error) {
		return NewErrorResult("went wrong"), nil, nil
	}
	Register(r, ToolDef{Name: "fails"}, handler)

	if _, err := r.CallTool(context.Background(), "fails", nil); err == nil || err.Error() != "went wrong" {
		t.Errorf("expected 'went wrong', got %v", err)
	}
}
