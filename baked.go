package omcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/invopop/jsonschema"
)

// BakedTool is a tool implemented in the current process.
type BakedTool interface {
	Descriptor() Tool
	Call(ctx context.Context, args map[string]any) (string, error)
}

// BakedClient implements Transport by dispatching to tools compiled into the current
// process. There is no session: Connect and Disconnect do nothing.
type BakedClient struct {
	names  []string
	byName map[string]BakedTool
	logger *slog.Logger
}

type typedTool[A any] struct {
	tool Tool
	fn   func(ctx context.Context, args A) (string, error)
}

// NewBakedClient creates a client serving the given tools. When two tools share a name the
// last one wins.
func NewBakedClient(tools ...BakedTool) *BakedClient {
	b := &BakedClient{
		byName: make(map[string]BakedTool, len(tools)),
		logger: slog.Default(),
	}
	for _, tool := range tools {
		name := tool.Descriptor().Name
		if _, ok := b.byName[name]; !ok {
			b.names = append(b.names, name)
		}
		b.byName[name] = tool
	}
	return b
}

// NewTool builds a BakedTool whose arguments are decoded into A. The input schema of the
// tool is reflected from A when A is a named struct, so json and jsonschema struct tags
// apply. Other types, anonymous structs and maps included, get a bare object schema:
//
//	type addArgs struct {
//		A float64 `json:"a" jsonschema:"description=first operand"`
//		B float64 `json:"b" jsonschema:"description=second operand"`
//	}
//
//	add := omcp.NewTool("add", "Adds two numbers", func(_ context.Context, args addArgs) (string, error) {
//		return strconv.FormatFloat(args.A+args.B, 'f', -1, 64), nil
//	})
func NewTool[A any](name, description string, fn func(ctx context.Context, args A) (string, error)) BakedTool {
	return typedTool[A]{
		tool: Tool{
			Name:        name,
			Description: description,
			InputSchema: reflectSchema[A](),
		},
		fn: fn,
	}
}

// Connect does nothing.
func (b *BakedClient) Connect(context.Context) error {
	return nil
}

// Disconnect does nothing.
func (b *BakedClient) Disconnect(context.Context) error {
	return nil
}

// ListTools returns the descriptors of the registered tools in registration order.
func (b *BakedClient) ListTools(context.Context) ([]Tool, error) {
	tools := make([]Tool, 0, len(b.names))
	for _, name := range b.names {
		tools = append(tools, b.byName[name].Descriptor())
	}
	return tools, nil
}

// Call runs the named tool and returns its output as is. Unknown tools fail with
// ErrNotFound, failing tools with a *ToolCallError.
func (b *BakedClient) Call(ctx context.Context, params CallParams) (string, error) {
	tool, ok := b.byName[params.Name]
	if !ok {
		return "", fmt.Errorf("%w: tool %q", ErrNotFound, params.Name)
	}

	out, err := tool.Call(ctx, params.Arguments)
	if err != nil {
		b.logger.Debug("tool failed", "tool", params.Name, "err", err)
		return "", &ToolCallError{Tool: params.Name, Err: err}
	}
	return out, nil
}

func (t typedTool[A]) Descriptor() Tool {
	return t.tool
}

func (t typedTool[A]) Call(ctx context.Context, args map[string]any) (string, error) {
	var a A
	if args == nil {
		args = map[string]any{}
	}
	if err := fromParams(args, &a); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return t.fn(ctx, a)
}

// reflectSchema derives the input schema of A. Only named struct types can be expanded
// in place, anything else gets a plain object schema.
func reflectSchema[A any]() *ToolSchema {
	fallback := &ToolSchema{Type: ToolTypeObject}

	t := reflect.TypeFor[A]()
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return fallback
	}

	r := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.ReflectFromType(t)

	bs, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	var ts ToolSchema
	if err := json.Unmarshal(bs, &ts); err != nil || ts.Type == "" {
		return fallback
	}
	return &ts
}
