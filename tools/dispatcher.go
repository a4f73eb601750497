// Package tools maps named MCP tools onto upstream API calls. The
// Dispatcher's Execute contract is that it never fails: unknown tools,
// invalid arguments, upstream errors, and timeouts are all converted into a
// CallToolResult with IsError set, so a failing tool call never aborts the
// RPC transaction.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowgate/n8n-mcp-gateway/internal/logctx"
	"github.com/flowgate/n8n-mcp-gateway/mcp"
	"github.com/flowgate/n8n-mcp-gateway/n8n"
)

// handlerFunc executes one tool against the upstream client with raw,
// already-schema-described arguments.
type handlerFunc func(ctx context.Context, client *n8n.Client, args json.RawMessage) (json.RawMessage, error)

type toolDef struct {
	descriptor mcp.Tool
	handler    handlerFunc
}

// Dispatcher executes named tools against one upstream client. It is bound
// to a single session's credentials for its whole lifetime.
type Dispatcher struct {
	client *n8n.Client
	log    *slog.Logger
	defs   []toolDef
	byName map[string]int
}

// NewDispatcher builds a dispatcher with the full n8n tool surface wired to
// the given client.
func NewDispatcher(client *n8n.Client, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{client: client, log: log, byName: make(map[string]int)}
	registerAll(d)
	return d
}

func (d *Dispatcher) register(def toolDef) {
	d.byName[def.descriptor.Name] = len(d.defs)
	d.defs = append(d.defs, def)
}

// List returns the advertised tool descriptors in registration order.
func (d *Dispatcher) List() []mcp.Tool {
	out := make([]mcp.Tool, len(d.defs))
	for i, def := range d.defs {
		out[i] = def.descriptor
	}
	return out
}

// Execute runs the named tool. It never returns an error: all failure modes
// are folded into the result's IsError flag and text content.
func (d *Dispatcher) Execute(ctx context.Context, name string, args json.RawMessage) (res *mcp.CallToolResult) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: name})

	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorContext(ctx, "tool.execute.panic", slog.Any("panic", r))
			res = errorResult(fmt.Sprintf("tool %q failed: internal error", name))
		}
	}()

	idx, ok := d.byName[name]
	if !ok {
		d.log.WarnContext(ctx, "tool.execute.unknown")
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	raw, err := d.defs[idx].handler(ctx, d.client, args)
	if err != nil {
		d.log.InfoContext(ctx, "tool.execute.fail", slog.String("err", err.Error()))
		return errorResult(describeFailure(name, err))
	}

	d.log.InfoContext(ctx, "tool.execute.ok")
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.NewTextContent(string(raw))}}
}

// describeFailure turns a handler error into client-facing text.
func describeFailure(name string, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("tool %q timed out waiting for the upstream API", name)
	}
	var ue *n8n.UpstreamError
	if errors.As(err, &ue) {
		return fmt.Sprintf("tool %q failed: %s", name, ue.Error())
	}
	return fmt.Sprintf("tool %q failed: %s", name, err.Error())
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.ContentBlock{mcp.NewTextContent(text)},
	}
}

// newTool builds a toolDef from a typed args struct A: the schema is
// reflected from A and the handler decodes arguments strictly (unknown
// fields rejected) before invoking fn.
func newTool[A any](name, description string, fn func(ctx context.Context, client *n8n.Client, args A) (json.RawMessage, error)) toolDef {
	descriptor := mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: reflectInputSchema[A](),
	}
	handler := func(ctx context.Context, client *n8n.Client, raw json.RawMessage) (json.RawMessage, error) {
		var a A
		if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, client, a)
	}
	return toolDef{descriptor: descriptor, handler: handler}
}
