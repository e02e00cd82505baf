package schema

// WorkflowGraph is the JSON-serializable workflow format: a directed acyclic
// graph of typed nodes connected by port-addressed edges. Immutable once a run
// starts.
type WorkflowGraph struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Nodes    []Node           `json:"nodes"`
	Edges    []Edge           `json:"edges,omitempty"`
	Settings WorkflowSettings `json:"settings,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// Node is a single step in a workflow graph. Type selects a registered
// handler; Config is interpreted only by that handler. Disabled nodes keep
// their graph position for ordering but are skipped at execution time.
type Node struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Retry    *RetryPolicy   `json:"retry,omitempty"`    // overrides Settings.Retry
	OnError  string         `json:"on_error,omitempty"` // fail (default) | continue
}

// Edge connects one node's numbered output port to another node's numbered
// input port. Multiple edges may target the same node (fan-in); the engine
// concatenates all inbound item collections before invoking the target.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceOutput int    `json:"source_output,omitempty"`
	TargetInput  int    `json:"target_input,omitempty"`
}

// WorkflowSettings holds workflow-level execution defaults.
type WorkflowSettings struct {
	// ErrorMode controls what happens when a node exhausts its retries:
	// fail (default) aborts the run, continue records an error result and proceeds.
	ErrorMode string       `json:"error_mode,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
	Timeout   string       `json:"timeout,omitempty"` // e.g. "30s", "5m"
}

// Error modes.
const (
	ErrorModeFail     = "fail"
	ErrorModeContinue = "continue"
)

// RetryPolicy configures retry behavior for a node. A node-level policy takes
// precedence over the workflow-level one.
type RetryPolicy struct {
	MaxAttempts  int      `json:"max_attempts"`
	InitialDelay string   `json:"initial_delay,omitempty"` // e.g. "1s", "500ms"
	Multiplier   float64  `json:"multiplier,omitempty"`    // exponential factor (default 2)
	MaxDelay     string   `json:"max_delay,omitempty"`     // cap on computed delay
	Strategy     string   `json:"strategy,omitempty"`      // fixed | linear | exponential | exponential_jitter
	Retryable    []string `json:"retryable,omitempty"`     // error substrings that force retry
	NonRetryable []string `json:"non_retryable,omitempty"` // error substrings that forbid retry
}

// Backoff strategies.
const (
	BackoffFixed             = "fixed"
	BackoffLinear            = "linear"
	BackoffExponential       = "exponential"
	BackoffExponentialJitter = "exponential_jitter"
)

// Item is a single generic record flowing through the graph.
type Item = map[string]any

// Lane is an ordered collection of items on one output port.
type Lane []Item

// Lanes is the full output of a node, one lane per output port. Branching
// nodes (if, switch, filter) route different items to different lanes.
type Lanes []Lane

// SingleLane wraps items into a one-lane output, the common case for
// non-branching nodes.
func SingleLane(items ...Item) Lanes {
	if items == nil {
		items = []Item{}
	}
	return Lanes{Lane(items)}
}

// EmptyLanes returns n empty lanes.
func EmptyLanes(n int) Lanes {
	out := make(Lanes, n)
	for i := range out {
		out[i] = Lane{}
	}
	return out
}

// Flatten concatenates all lanes into a single item collection.
func (l Lanes) Flatten() Lane {
	var all Lane
	for _, lane := range l {
		all = append(all, lane...)
	}
	return all
}

// First returns the first item of the first non-empty lane, or nil.
func (l Lanes) First() Item {
	for _, lane := range l {
		if len(lane) > 0 {
			return lane[0]
		}
	}
	return nil
}
