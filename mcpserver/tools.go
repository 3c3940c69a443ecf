package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-session-router/mcp"
	"github.com/invopop/jsonschema"
)

// ErrToolNotFound is returned by StaticTools.Call for an unknown tool name.
var ErrToolNotFound = errors.New("tool not found")

// ToolHandler handles one tool invocation.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. By default the schema sets additionalProperties=false and
// decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a StaticTool whose input schema is reflected from A and
// whose handler decodes the call arguments into A. Decoding failures are
// reported to the caller as an error result, not a protocol error.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 && !bytes.Equal(req.Arguments, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
		}
		return fn(ctx, a)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Non-object argument types advertise an empty object.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             append([]string(nil), s.Required...),
		AdditionalProperties: allowAdditional,
	}
}

func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// StaticTools is a mutable, threadsafe tool set. Every mutation signals its
// ChangeNotifier so connected servers can emit tools/list_changed.
type StaticTools struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	notifier ChangeNotifier
}

// NewStaticTools returns a tool set holding defs.
func NewStaticTools(defs ...StaticTool) *StaticTools {
	st := &StaticTools{}
	st.Replace(defs...)
	return st
}

// Snapshot returns a copy of the current tool descriptors.
func (st *StaticTools) Snapshot() []mcp.Tool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]mcp.Tool, len(st.tools))
	copy(out, st.tools)
	return out
}

// Replace swaps the entire tool set. Later duplicates of a name win.
func (st *StaticTools) Replace(defs ...StaticTool) {
	st.mu.Lock()
	st.tools = make([]mcp.Tool, 0, len(defs))
	st.handlers = make(map[string]ToolHandler, len(defs))
	for _, d := range defs {
		st.tools = append(st.tools, d.Descriptor)
		if d.Handler != nil {
			st.handlers[d.Descriptor.Name] = d.Handler
		}
	}
	st.mu.Unlock()
	st.notifier.Notify()
}

// Add registers def unless its name is taken, and reports whether it did.
func (st *StaticTools) Add(def StaticTool) bool {
	st.mu.Lock()
	name := def.Descriptor.Name
	for _, t := range st.tools {
		if t.Name == name {
			st.mu.Unlock()
			return false
		}
	}
	if st.handlers == nil {
		st.handlers = make(map[string]ToolHandler)
	}
	st.tools = append(st.tools, def.Descriptor)
	if def.Handler != nil {
		st.handlers[name] = def.Handler
	}
	st.mu.Unlock()
	st.notifier.Notify()
	return true
}

// Remove drops the named tool and reports whether it existed.
func (st *StaticTools) Remove(name string) bool {
	st.mu.Lock()
	n := 0
	removed := false
	for _, t := range st.tools {
		if t.Name == name {
			removed = true
			continue
		}
		st.tools[n] = t
		n++
	}
	if removed {
		st.tools = st.tools[:n]
		delete(st.handlers, name)
	}
	st.mu.Unlock()
	if removed {
		st.notifier.Notify()
	}
	return removed
}

// Call dispatches req to the named tool.
func (st *StaticTools) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	st.mu.RLock()
	h := st.handlers[req.Name]
	st.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, req)
}

// Subscribe returns a channel signalled on every change to the set.
func (st *StaticTools) Subscribe() (<-chan struct{}, func()) {
	return st.notifier.Subscribe()
}

// TextResult builds a CallToolResult with a single text block.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: s}}}
}

// Errorf builds an error CallToolResult with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	msg := fmt.Sprintf(format, a...)
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: msg}}, IsError: true}
}
