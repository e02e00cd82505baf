package validation

import (
	"fmt"
	"time"

	"github.com/weaveline/weft/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow graph.
// Checks: node types registered, edge endpoints exist, edges not self-looped,
// per-type config requirements, retry and timeout sanity.
func validateSemantic(graph *schema.WorkflowGraph, lookup TypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodeIDs[n.ID] = true
	}

	for i := range graph.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		validateNodeSemantic(&graph.Nodes[i], path, lookup, result)
	}

	seenEdges := make(map[string]bool, len(graph.Edges))
	for i, e := range graph.Edges {
		path := fmt.Sprintf("edges[%d]", i)

		if !nodeIDs[e.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if e.Source == e.Target {
			result.AddError(path, schema.ErrCodeCycleDetected,
				fmt.Sprintf("node %q connects to itself", e.Source))
		}

		key := fmt.Sprintf("%s:%d->%s:%d", e.Source, e.SourceOutput, e.Target, e.TargetInput)
		if seenEdges[key] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge %s", key))
		}
		seenEdges[key] = true
	}

	if graph.Settings.Timeout != "" {
		if _, err := time.ParseDuration(graph.Settings.Timeout); err != nil {
			result.AddError("settings.timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", graph.Settings.Timeout))
		}
	}
	validateRetryPolicy(graph.Settings.Retry, "settings.retry", result)

	return result
}

// validateNodeSemantic checks a single node.
func validateNodeSemantic(node *schema.Node, path string, lookup TypeLookup, result *schema.ValidationResult) {
	if lookup != nil && !lookup.Has(node.Type) {
		result.AddError(path+".type", schema.ErrCodeUnknownNodeType,
			fmt.Sprintf("no handler registered for node type %q", node.Type))
	}

	validateRetryPolicy(node.Retry, path+".retry", result)

	// Config requirements JSON Schema cannot see: the config map is opaque
	// per type, so the checks live here.
	switch node.Type {
	case "approval":
		approvers, _ := node.Config["approvers"].([]any)
		if len(approvers) == 0 {
			result.AddError(path+".config.approvers", schema.ErrCodeValidation,
				"approval node requires at least one approver")
		}
		if t, _ := node.Config["type"].(string); t == "threshold" {
			threshold := intConfig(node.Config["threshold"])
			if threshold < 1 || threshold > len(approvers) {
				result.AddError(path+".config.threshold", schema.ErrCodeValidation,
					fmt.Sprintf("threshold must be in [1, %d]", len(approvers)))
			}
		}

	case "loop":
		if n := intConfig(node.Config["max_iterations"]); n < 0 {
			result.AddError(path+".config.max_iterations", schema.ErrCodeValidation,
				"max_iterations must be non-negative")
		}
		if n := intConfig(node.Config["concurrency"]); n < 0 {
			result.AddError(path+".config.concurrency", schema.ErrCodeValidation,
				"concurrency must be non-negative")
		}

	case "switch":
		cases, _ := node.Config["cases"].([]any)
		if len(cases) == 0 {
			result.AddError(path+".config.cases", schema.ErrCodeValidation,
				"switch node requires at least one case")
		}

	case "rollback":
		steps, _ := node.Config["steps"].([]any)
		if len(steps) == 0 {
			result.AddError(path+".config.steps", schema.ErrCodeValidation,
				"rollback node requires at least one step")
		}

	case "alert":
		if msg, _ := node.Config["message"].(string); msg == "" {
			result.AddError(path+".config.message", schema.ErrCodeValidation,
				"alert node requires a message")
		}
	}
}

func validateRetryPolicy(policy *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if policy == nil {
		return
	}

	if policy.MaxAttempts > 10 {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", policy.MaxAttempts))
	}
	if policy.InitialDelay != "" {
		if _, err := time.ParseDuration(policy.InitialDelay); err != nil {
			result.AddError(path+".initial_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", policy.InitialDelay))
		}
	}
	if policy.MaxDelay != "" {
		if _, err := time.ParseDuration(policy.MaxDelay); err != nil {
			result.AddError(path+".max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", policy.MaxDelay))
		}
	}
}

// intConfig reads an integer-ish config value; JSON decoding produces
// float64, direct construction produces int.
func intConfig(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
