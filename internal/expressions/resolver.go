package expressions

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/weaveline/weft/pkg/schema"
)

// Scope is the read-only snapshot of run state a template is resolved
// against. It is built by the engine from the execution context; the resolver
// itself performs no I/O and executes no code.
type Scope struct {
	Input   schema.Lane             // initial run payload
	Nodes   map[string]schema.Lanes // node ID -> output lanes of completed nodes
	Vars    map[string]any          // named mutable variables
	Current schema.Item             // first record of the most recent node output
}

var nodeRefPattern = regexp.MustCompile(`^\$node\[([^\]]+)\](?:\.(.+))?$`)

// Resolve evaluates a templated reference against the scope. The grammar is
// closed: whole-input ($input), dotted-path input access ($input.a.b), node
// output lookup ($node[id], $node[id].a.b), variable lookup ($vars.name),
// and current-item shorthand ($json, $json.a.b). Anything else is treated as
// a literal dotted path into the input.
func Resolve(template string, scope *Scope) (any, error) {
	if scope == nil {
		return nil, schema.NewError(schema.ErrCodeExpression, "nil resolution scope")
	}
	template = strings.TrimSpace(template)

	switch {
	case template == "$input":
		return laneToAny(scope.Input), nil

	case strings.HasPrefix(template, "$input."):
		return resolvePath(firstItem(scope.Input), strings.TrimPrefix(template, "$input.")), nil

	case strings.HasPrefix(template, "$node["):
		m := nodeRefPattern.FindStringSubmatch(template)
		if m == nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "malformed node reference: %s", template)
		}
		lanes, ok := scope.Nodes[m[1]]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression, "reference to unknown or not yet executed node: %s", m[1])
		}
		if m[2] == "" {
			return laneToAny(lanes.Flatten()), nil
		}
		return resolvePath(lanes.First(), m[2]), nil

	case template == "$vars":
		return scope.Vars, nil

	case strings.HasPrefix(template, "$vars."):
		path := strings.TrimPrefix(template, "$vars.")
		name, rest, hasRest := strings.Cut(path, ".")
		val, ok := scope.Vars[name]
		if !ok {
			return nil, nil
		}
		if !hasRest {
			return val, nil
		}
		return resolveAnyPath(val, rest), nil

	case template == "$json":
		return map[string]any(scope.Current), nil

	case strings.HasPrefix(template, "$json."):
		return resolvePath(scope.Current, strings.TrimPrefix(template, "$json.")), nil

	default:
		// Unknown form: literal dotted path into the input.
		return resolvePath(firstItem(scope.Input), template), nil
	}
}

// interpolationPattern matches {{ expr }} occurrences inside strings.
var interpolationPattern = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// ResolveString interpolates every {{ ... }} occurrence in s. When the whole
// string is a single reference the resolved value is returned with its
// original type; otherwise matches are stringified in place.
func ResolveString(s string, scope *Scope) (any, error) {
	matches := interpolationPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single reference keeps its type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		return Resolve(expr, scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := Resolve(s[m[2]:m[3]], scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// ResolveValue deep-resolves a config value: strings beginning with "$" go
// through Resolve, strings containing {{ }} are interpolated, and maps and
// slices are walked recursively. Other values pass through unchanged.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, "$") {
			return Resolve(val, scope)
		}
		if strings.Contains(val, "{{") {
			return ResolveString(val, scope)
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			resolved, err := ResolveValue(inner, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			resolved, err := ResolveValue(inner, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// CELData converts the scope into the evaluation environment shared by the
// CEL, expr, and jq engines.
func (s *Scope) CELData() map[string]any {
	nodes := make(map[string]any, len(s.Nodes))
	for id, lanes := range s.Nodes {
		nodes[id] = laneToAny(lanes.Flatten())
	}
	data := map[string]any{
		"input": laneToAny(s.Input),
		"nodes": nodes,
		"vars":  map[string]any{},
		"item":  map[string]any{},
	}
	if s.Vars != nil {
		data["vars"] = s.Vars
	}
	if s.Current != nil {
		data["item"] = map[string]any(s.Current)
	}
	return data
}

// --- path traversal ---

// Lookup walks a dotted path into an item. An empty path returns the item
// itself; missing segments resolve to nil.
func Lookup(item schema.Item, path string) any {
	if path == "" {
		return map[string]any(item)
	}
	return resolvePath(item, path)
}

// resolvePath walks a dotted path into an item. Missing segments resolve to
// nil rather than erroring: absent data is a routing concern, not a failure.
func resolvePath(item schema.Item, path string) any {
	if item == nil {
		return nil
	}
	return resolveAnyPath(map[string]any(item), path)
}

func resolveAnyPath(v any, path string) any {
	current := v
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil
		}
		switch c := current.(type) {
		case map[string]any:
			val, ok := c[seg]
			if !ok {
				return nil
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil
			}
			current = c[idx]
		default:
			return nil
		}
	}
	return current
}

func firstItem(lane schema.Lane) schema.Item {
	if len(lane) == 0 {
		return nil
	}
	return lane[0]
}

func laneToAny(lane schema.Lane) []any {
	out := make([]any, len(lane))
	for i, item := range lane {
		out[i] = map[string]any(item)
	}
	return out
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
