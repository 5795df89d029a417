// Package roles composes the DSM, arbitration engine, and LLM client into
// the three concrete debate participants: moderator, arbiter, and
// refiner. Each role's startup descriptor ("notes") and health check are
// supplemented features carried over from the original source's
// BaseAgent.get_notes / health_check, which spec.md's distillation
// dropped but which a complete implementation still needs for operators
// to tell agents apart on the bus.
package roles

import "encoding/json"

// Notes is a role's static startup descriptor, published once to the bus
// under "manus_killswitch_<role>_notes" by internal/runtime.Agent.
type Notes struct {
	Role        string `json:"role"`
	Description string `json:"description"`
}

// Encode marshals n for runtime.Agent.PublishNotes.
func (n Notes) Encode() []byte {
	b, _ := json.Marshal(n)
	return b
}

// HealthStatus is the common shape every role's HealthCheck returns,
// extended with role-specific fields via Extra.
type HealthStatus struct {
	Role   string                 `json:"role"`
	Status string                 `json:"status"`
	Extra  map[string]interface{} `json:"extra,omitempty"`
}
