package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/helmsman-ai/helmsman/core"
)

// SideEffectClass declares what a handler does to the outside world.
// The failure controller consults it before re-invoking a handler.
type SideEffectClass string

const (
	SideEffectReadOnly      SideEffectClass = "read_only"
	SideEffectIdempotent    SideEffectClass = "idempotent"
	SideEffectNonIdempotent SideEffectClass = "non_idempotent"
)

// RetrySafe reports whether the failure controller may re-invoke a
// handler of this class without an explicit opt-in.
func (s SideEffectClass) RetrySafe() bool {
	return s != SideEffectNonIdempotent
}

// ProgressFunc lets a handler report partial progress. Reports are
// recorded as findings on the task.
type ProgressFunc func(message string)

// HandlerFunc is the opaque unit of work a capability executes. The
// context carries cancellation and the per-step timeout; handlers must
// poll it at I/O boundaries. The progress callback may be nil.
type HandlerFunc func(ctx context.Context, inputs map[string]interface{}, progress ProgressFunc) (map[string]interface{}, error)

// Capability describes one typed function the engine can bind steps
// to, identified by agent_type plus an optional domain disambiguator.
type Capability struct {
	AgentType   string          `json:"agent_type"`
	Domain      string          `json:"domain,omitempty"`
	Description string          `json:"description,omitempty"`
	SideEffect  SideEffectClass `json:"side_effect"`

	// InputSchema and OutputSchema are JSON-Schema documents. A nil
	// schema skips validation on that side.
	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	Handler HandlerFunc `json:"-"`
}

// Key returns the registry key for this capability.
func (c *Capability) Key() string {
	return capabilityKey(c.AgentType, c.Domain)
}

func capabilityKey(agentType, domain string) string {
	if domain == "" {
		return agentType
	}
	return agentType + "/" + domain
}

// CapabilityRegistry is the table-driven lookup from
// (agent_type, domain?) to capability descriptors. The engine never
// depends on a concrete handler type.
type CapabilityRegistry struct {
	mu           sync.RWMutex
	capabilities map[string]*Capability
	logger       core.Logger
}

// NewCapabilityRegistry creates an empty registry.
func NewCapabilityRegistry(logger core.Logger) *CapabilityRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/capability")
	}
	return &CapabilityRegistry{
		capabilities: make(map[string]*Capability),
		logger:       logger,
	}
}

// Register adds or replaces a capability.
func (r *CapabilityRegistry) Register(cap *Capability) error {
	if cap == nil || cap.AgentType == "" {
		return fmt.Errorf("capability requires an agent_type: %w", core.ErrInvalidConfiguration)
	}
	if cap.Handler == nil {
		return fmt.Errorf("capability %q requires a handler: %w", cap.AgentType, core.ErrInvalidConfiguration)
	}
	if cap.SideEffect == "" {
		cap.SideEffect = SideEffectIdempotent
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities[cap.Key()] = cap

	r.logger.Debug("Capability registered", map[string]interface{}{
		"agent_type":  cap.AgentType,
		"domain":      cap.Domain,
		"side_effect": string(cap.SideEffect),
	})
	return nil
}

// Resolve looks up a capability by agent_type and optional domain.
// A domain-qualified lookup falls back to the domainless registration
// when no exact match exists.
func (r *CapabilityRegistry) Resolve(agentType, domain string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cap, ok := r.capabilities[capabilityKey(agentType, domain)]; ok {
		return cap, nil
	}
	if domain != "" {
		if cap, ok := r.capabilities[capabilityKey(agentType, "")]; ok {
			return cap, nil
		}
	}
	return nil, fmt.Errorf("no capability for (%s, %s): %w", agentType, domain, core.ErrCapabilityNotFound)
}

// List returns a snapshot of registered capabilities sorted by key.
func (r *CapabilityRegistry) List() []*Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Capability, 0, len(r.capabilities))
	for _, cap := range r.capabilities {
		out = append(out, cap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// ValidateInputs checks materialized inputs against the capability's
// declared input schema. A nil schema passes.
func (c *Capability) ValidateInputs(inputs map[string]interface{}) error {
	if c.InputSchema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(c.InputSchema),
		gojsonschema.NewGoLoader(inputs),
	)
	if err != nil {
		return fmt.Errorf("input schema evaluation for %s: %w", c.Key(), core.ErrInputInvalid)
	}
	if !result.Valid() {
		return fmt.Errorf("inputs for %s: %s: %w", c.Key(), formatSchemaErrors(result), core.ErrInputInvalid)
	}
	return nil
}

// ValidateOutputs checks handler outputs against the declared output
// schema. Unknown keys are retained for forward compatibility and
// reported as warnings; a missing required key is an error.
func (c *Capability) ValidateOutputs(outputs map[string]interface{}) (warnings []string, err error) {
	if c.OutputSchema == nil {
		return nil, nil
	}

	// Required-key check is the hard contract.
	if required, ok := c.OutputSchema["required"].([]interface{}); ok {
		for _, r := range required {
			key, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := outputs[key]; !present {
				return nil, fmt.Errorf("output %q missing from %s result: %w", key, c.Key(), core.ErrOutputInvalid)
			}
		}
	}

	// Keys outside the declared property set are kept but flagged.
	if properties, ok := c.OutputSchema["properties"].(map[string]interface{}); ok {
		for key := range outputs {
			if _, declared := properties[key]; !declared {
				warnings = append(warnings, fmt.Sprintf("output field %q is not in the declared schema for %s", key, c.Key()))
			}
		}
	}

	return warnings, nil
}

func formatSchemaErrors(result *gojsonschema.Result) string {
	msg := ""
	for i, resultErr := range result.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += resultErr.String()
	}
	return msg
}
