package nodes

// RegisterControlFlow installs the flow-shaping handlers.
func RegisterControlFlow(reg *Registry, deps *Deps, buffer MergeBuffer) {
	reg.MustRegister(NewLoopHandler(deps))
	reg.MustRegister(NewIfHandler(deps))
	reg.MustRegister(NewSwitchHandler(deps))
	reg.MustRegister(NewMergeHandler(buffer))
	reg.MustRegister(NewFilterHandler(deps))
	reg.MustRegister(&AggregateHandler{})
}

// RegisterErrorFamily installs the failure-handling handlers.
func RegisterErrorFamily(reg *Registry, deps *Deps, queues *DeadLetterQueues) {
	reg.MustRegister(NewRetryHandler(deps))
	reg.MustRegister(NewCatchHandler(deps))
	reg.MustRegister(NewRollbackHandler(deps))
	reg.MustRegister(NewDeadLetterHandler(queues))
	reg.MustRegister(NewAlertHandler(deps))
}

// RegisterAll installs every handler. Approvals is required by the approval
// gate; buffer and queues may be nil for in-process defaults.
func RegisterAll(reg *Registry, deps *Deps, approvals ApprovalStore, buffer MergeBuffer, queues *DeadLetterQueues) {
	RegisterBuiltins(reg, deps)
	RegisterControlFlow(reg, deps, buffer)
	RegisterErrorFamily(reg, deps, queues)
	reg.MustRegister(NewApprovalHandler(deps, approvals))
}
