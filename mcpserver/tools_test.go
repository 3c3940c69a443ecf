package mcpserver

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/ggoodman/mcp-session-router/mcp"
)

func TestNewTool_ReflectsSchema(t *testing.T) {
	tool := greetTool()
	schema := tool.Descriptor.InputSchema

	if schema.Type != "object" {
		t.Fatalf("expected object schema, got %q", schema.Type)
	}
	if schema.AdditionalProperties {
		t.Fatal("expected additionalProperties=false by default")
	}
	name, ok := schema.Properties["name"]
	if !ok || name.Type != "string" || name.Description != "Who to greet" {
		t.Fatalf("unexpected name property %+v", name)
	}
	if shout := schema.Properties["shout"]; shout.Type != "boolean" {
		t.Fatalf("unexpected shout property %+v", shout)
	}
	if !slices.Contains(schema.Required, "name") || slices.Contains(schema.Required, "shout") {
		t.Fatalf("unexpected required list %v", schema.Required)
	}
}

func TestNewTool_AllowAdditionalProperties(t *testing.T) {
	tool := NewTool("lenient", func(_ context.Context, a greetArgs) (*mcp.CallToolResult, error) {
		return TextResult(a.Name), nil
	}, WithToolAllowAdditionalProperties(true))

	if !tool.Descriptor.InputSchema.AdditionalProperties {
		t.Fatal("expected additionalProperties=true")
	}
	res, err := tool.Handler(t.Context(), &mcp.CallToolRequestReceived{Name: "lenient", Arguments: []byte(`{"name":"x","extra":1}`)})
	if err != nil || res.IsError || res.Content[0].Text != "x" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}

func TestStaticTools_Mutations(t *testing.T) {
	st := NewStaticTools(greetTool())
	ch, stop := st.Subscribe()
	defer stop()

	if st.Add(greetTool()) {
		t.Fatal("duplicate name must not be added")
	}
	if !st.Add(NewTool("other", func(context.Context, struct{}) (*mcp.CallToolResult, error) { return nil, nil })) {
		t.Fatal("expected add to succeed")
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected change signal after Add")
	}

	if !st.Remove("other") || st.Remove("other") {
		t.Fatal("remove should succeed exactly once")
	}
	if len(st.Snapshot()) != 1 {
		t.Fatalf("unexpected snapshot %v", st.Snapshot())
	}

	_, err := st.Call(t.Context(), &mcp.CallToolRequestReceived{Name: "other"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestChangeNotifier_UnsubscribeAndClose(t *testing.T) {
	var cn ChangeNotifier
	ch, stop := cn.Subscribe()
	stop()
	stop()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}

	ch2, _ := cn.Subscribe()
	cn.Close()
	if _, ok := <-ch2; ok {
		t.Fatal("expected channel closed after Close")
	}
	ch3, _ := cn.Subscribe()
	if _, ok := <-ch3; ok {
		t.Fatal("expected closed channel from a closed notifier")
	}
	cn.Notify()
}
