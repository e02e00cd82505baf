package nodes

import (
	"context"
	"log/slog"

	"github.com/weaveline/weft/pkg/schema"
)

// ActionInvoker executes a connector action against an external system.
// Implementations own transport, authentication, and connector-level
// validation; the engine treats the call as an opaque item transformation.
type ActionInvoker interface {
	ExecuteAction(ctx context.Context, connectorID, actionID string, input schema.Item, credentials map[string]string) (schema.Item, error)
}

// SandboxRunner executes user-provided code in an isolated environment and
// returns its output. The engine never runs user code in-process.
type SandboxRunner interface {
	RunCode(ctx context.Context, language, code string, input schema.Item, timeoutMs int) (schema.Item, error)
}

// Notifier delivers human-facing notifications: approval requests, alerts,
// and escalations. Delivery is best effort; a notification failure never
// fails the run that raised it.
type Notifier interface {
	Notify(ctx context.Context, channel string, recipients []string, subject string, payload schema.Item) error
}

// LogNotifier is the default Notifier: it records the notification in the
// structured log and drops it. Deployments replace it with a real channel.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, channel string, recipients []string, subject string, payload schema.Item) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification dispatched",
		"channel", channel,
		"recipients", recipients,
		"subject", subject,
	)
	return nil
}

// FuncInvoker adapts a function to ActionInvoker. Used by the in-process
// runtime and by tests.
type FuncInvoker func(ctx context.Context, connectorID, actionID string, input schema.Item, credentials map[string]string) (schema.Item, error)

func (f FuncInvoker) ExecuteAction(ctx context.Context, connectorID, actionID string, input schema.Item, credentials map[string]string) (schema.Item, error) {
	return f(ctx, connectorID, actionID, input, credentials)
}
