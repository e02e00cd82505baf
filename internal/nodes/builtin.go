package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/weaveline/weft/internal/expressions"
	"github.com/weaveline/weft/pkg/schema"
)

// Node type names for the built-in handlers.
const (
	TypeNoop        = "noop"
	TypeSetVariable = "set_variable"
	TypeAction      = "action"
	TypeCode        = "code"
	TypeHTTPRequest = "http_request"
	TypeTransform   = "transform"
	TypeFunction    = "function"
)

// Deps carries the shared collaborators handlers draw on. A nil field
// disables the handlers that require it.
type Deps struct {
	CEL      *expressions.CELEngine
	Expr     *expressions.ExprEngine
	JQ       *expressions.JQEngine
	Invoker  ActionInvoker
	Sandbox  SandboxRunner
	Notifier Notifier
	HTTP     *http.Client
	Logger   *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

// RegisterBuiltins installs every built-in handler into the registry.
func RegisterBuiltins(reg *Registry, deps *Deps) {
	reg.MustRegister(NoopHandler{})
	reg.MustRegister(&SetVariableHandler{})
	reg.MustRegister(&ActionHandler{deps: deps})
	reg.MustRegister(&CodeHandler{deps: deps})
	reg.MustRegister(&HTTPRequestHandler{deps: deps})
	reg.MustRegister(&TransformHandler{deps: deps})
	reg.MustRegister(&FunctionHandler{deps: deps})
}

// NoopHandler passes its input through untouched. Useful as a junction
// point and as the behavior of disabled nodes.
type NoopHandler struct{}

func (NoopHandler) Type() string { return TypeNoop }

func (NoopHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	return input, nil
}

// SetVariableHandler writes one or more named variables into the run
// context. Values go through expression resolution first.
type SetVariableHandler struct{}

type setVariableConfig struct {
	Variables map[string]any `json:"variables"`
	// Single-variable shorthand.
	Name  string `json:"name"`
	Value any    `json:"value"`
}

func (*SetVariableHandler) Type() string { return TypeSetVariable }

func (h *SetVariableHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg setVariableConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	scope := ec.Scope()

	assign := func(name string, raw any) error {
		resolved, err := expressions.ResolveValue(raw, scope)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"resolve variable %q: %s", name, err.Error()).WithNode(node.ID).WithCause(err)
		}
		ec.SetVariable(name, resolved)
		return nil
	}

	if cfg.Name != "" {
		if err := assign(cfg.Name, cfg.Value); err != nil {
			return nil, err
		}
	}
	for name, raw := range cfg.Variables {
		if err := assign(name, raw); err != nil {
			return nil, err
		}
	}

	return input, nil
}

// ActionHandler invokes a connector action once per input item through the
// configured ActionInvoker.
type ActionHandler struct {
	deps *Deps
}

type actionConfig struct {
	ConnectorID string            `json:"connector_id"`
	ActionID    string            `json:"action_id"`
	Parameters  map[string]any    `json:"parameters"`
	Credentials map[string]string `json:"credentials"`
}

func (*ActionHandler) Type() string { return TypeAction }

func (h *ActionHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if h.deps == nil || h.deps.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no action invoker configured").WithNode(node.ID)
	}

	var cfg actionConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.ConnectorID == "" || cfg.ActionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"action node requires connector_id and action_id").WithNode(node.ID)
	}

	items := input.Flatten()
	if len(items) == 0 {
		items = schema.Lane{{}}
	}

	out := make(schema.Lane, 0, len(items))
	for _, item := range items {
		scope := ec.Scope()
		scope.Current = item
		params, err := expressions.ResolveValue(cfg.Parameters, scope)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"resolve action parameters: %s", err.Error()).WithNode(node.ID).WithCause(err)
		}

		callInput := schema.Item{}
		if m, ok := params.(map[string]any); ok {
			callInput = m
		}
		for k, v := range item {
			if _, set := callInput[k]; !set {
				callInput[k] = v
			}
		}

		result, err := h.deps.Invoker.ExecuteAction(ctx, cfg.ConnectorID, cfg.ActionID, callInput, cfg.Credentials)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}

	return schema.SingleLane(out...), nil
}

// CodeHandler runs user code in the configured sandbox, once over the whole
// flattened input.
type CodeHandler struct {
	deps *Deps
}

type codeConfig struct {
	Language  string `json:"language"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeout_ms"`
}

func (*CodeHandler) Type() string { return TypeCode }

func (h *CodeHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if h.deps == nil || h.deps.Sandbox == nil {
		return nil, schema.NewError(schema.ErrCodeSandbox, "no sandbox runner configured").WithNode(node.ID)
	}

	var cfg codeConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Code == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "code node requires code").WithNode(node.ID)
	}
	if cfg.Language == "" {
		cfg.Language = "javascript"
	}

	items := input.Flatten()
	payload := schema.Item{"items": laneAsAny(items)}

	result, err := h.deps.Sandbox.RunCode(ctx, cfg.Language, cfg.Code, payload, cfg.TimeoutMs)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox,
			"code execution failed: %s", err.Error()).WithNode(node.ID).WithCause(err)
	}

	return schema.SingleLane(itemsFromValue(result)...), nil
}

// HTTPRequestHandler issues an HTTP request per input item. URL, headers,
// query, and body go through expression resolution with the item as $json.
type HTTPRequestHandler struct {
	deps *Deps
}

type httpRequestConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Query     map[string]string `json:"query"`
	Body      any               `json:"body"`
	TimeoutMs int               `json:"timeout_ms"`
}

func (*HTTPRequestHandler) Type() string { return TypeHTTPRequest }

func (h *HTTPRequestHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	var cfg httpRequestConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http_request node requires url").WithNode(node.ID)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}

	client := http.DefaultClient
	if h.deps != nil {
		client = h.deps.httpClient()
	}

	items := input.Flatten()
	if len(items) == 0 {
		items = schema.Lane{{}}
	}

	out := make(schema.Lane, 0, len(items))
	for _, item := range items {
		scope := ec.Scope()
		scope.Current = item

		respItem, err := h.doRequest(ctx, client, &cfg, scope, node.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, respItem)
	}

	return schema.SingleLane(out...), nil
}

func (h *HTTPRequestHandler) doRequest(ctx context.Context, client *http.Client, cfg *httpRequestConfig, scope *expressions.Scope, nodeID string) (schema.Item, error) {
	resolvedURL, err := expressions.ResolveString(cfg.URL, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"resolve url: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}
	target := fmt.Sprintf("%v", resolvedURL)

	parsed, err := url.Parse(target)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid url %q: %s", target, err.Error()).WithNode(nodeID).WithCause(err)
	}
	if len(cfg.Query) > 0 {
		q := parsed.Query()
		for k, v := range cfg.Query {
			rv, err := expressions.ResolveString(v, scope)
			if err != nil {
				return nil, err
			}
			q.Set(k, fmt.Sprintf("%v", rv))
		}
		parsed.RawQuery = q.Encode()
	}

	var body io.Reader
	if cfg.Body != nil {
		resolvedBody, err := expressions.ResolveValue(cfg.Body, scope)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(resolvedBody)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"marshal request body: %s", err.Error()).WithNode(nodeID).WithCause(err)
		}
		body = bytes.NewReader(raw)
	}

	reqCtx := ctx
	if cfg.TimeoutMs > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, cfg.Method, parsed.String(), body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"build request: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		rv, err := expressions.ResolveString(v, scope)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, fmt.Sprintf("%v", rv))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"http request failed: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"read response body: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}

	item := schema.Item{
		"status_code": resp.StatusCode,
		"headers":     flattenHeader(resp.Header),
	}
	var parsedBody any
	if json.Unmarshal(raw, &parsedBody) == nil {
		item["body"] = parsedBody
	} else {
		item["body"] = string(raw)
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"http request returned status %d", resp.StatusCode).
			WithNode(nodeID).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": item["body"]})
	}
	return item, nil
}

// TransformHandler reshapes the flattened input with a jq expression.
type TransformHandler struct {
	deps *Deps
}

type transformConfig struct {
	Expression string `json:"expression"`
	// PerItem applies the expression to each item instead of the whole list.
	PerItem bool `json:"per_item"`
}

func (*TransformHandler) Type() string { return TypeTransform }

func (h *TransformHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if h.deps == nil || h.deps.JQ == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no jq engine configured").WithNode(node.ID)
	}

	var cfg transformConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform node requires expression").WithNode(node.ID)
	}

	items := input.Flatten()

	if cfg.PerItem {
		out := make(schema.Lane, 0, len(items))
		for _, item := range items {
			result, err := h.deps.JQ.Evaluate(ctx, cfg.Expression, map[string]any(item))
			if err != nil {
				return nil, err
			}
			out = append(out, itemsFromValue(result)...)
		}
		return schema.SingleLane(out...), nil
	}

	result, err := h.deps.JQ.Evaluate(ctx, cfg.Expression, laneAsAny(items))
	if err != nil {
		return nil, err
	}
	return schema.SingleLane(itemsFromValue(result)...), nil
}

// FunctionHandler evaluates an expr-lang expression over the run scope and
// emits the result as the node output.
type FunctionHandler struct {
	deps *Deps
}

type functionConfig struct {
	Expression string `json:"expression"`
	// OutputKey names the field the result is stored under; defaults to "result".
	OutputKey string `json:"output_key"`
}

func (*FunctionHandler) Type() string { return TypeFunction }

func (h *FunctionHandler) Execute(ctx context.Context, node *schema.Node, input schema.Lanes, ec *ExecutionContext) (schema.Lanes, error) {
	if h.deps == nil || h.deps.Expr == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no expr engine configured").WithNode(node.ID)
	}

	var cfg functionConfig
	if err := DecodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "function node requires expression").WithNode(node.ID)
	}
	if cfg.OutputKey == "" {
		cfg.OutputKey = "result"
	}

	scope := ec.Scope()
	scope.Current = input.First()

	result, err := h.deps.Expr.Evaluate(ctx, cfg.Expression, scope.CELData())
	if err != nil {
		return nil, err
	}

	return schema.SingleLane(schema.Item{cfg.OutputKey: result}), nil
}

// --- shared conversions ---

func laneAsAny(lane schema.Lane) []any {
	out := make([]any, len(lane))
	for i, item := range lane {
		out[i] = map[string]any(item)
	}
	return out
}

// itemsFromValue normalizes an expression result into a lane: a list becomes
// one item per element, a map becomes a single item, scalars are wrapped.
func itemsFromValue(v any) schema.Lane {
	switch val := v.(type) {
	case nil:
		return schema.Lane{}
	case []any:
		out := make(schema.Lane, 0, len(val))
		for _, el := range val {
			if m, ok := el.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, schema.Item{"value": el})
			}
		}
		return out
	case map[string]any:
		return schema.Lane{val}
	default:
		return schema.Lane{{"value": val}}
	}
}

func flattenHeader(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vals := range h {
		if len(vals) == 1 {
			out[k] = vals[0]
		} else {
			out[k] = vals
		}
	}
	return out
}
