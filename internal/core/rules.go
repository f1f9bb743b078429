package core

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
// Every store evaluates it inside its conditional write, and the service
// evaluates it once more before handing a mutation to the store.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(LifecycleTransitionRule())
	engine.Register(RequestInvariantRule())
	return engine
}
