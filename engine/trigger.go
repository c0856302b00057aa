// This file implements trigger bindings: declarative rules mapping
// external events onto cloned task instances. A task template carries
// its trigger under metadata.trigger; a matching event clones the
// template with metadata.trigger_event injected and leaves the
// template untouched. ${trigger_event.<path>} references resolve at
// step-input materialization time, not at clone time.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/core"
	"github.com/helmsman-ai/helmsman/telemetry"
)

// Well-known task metadata keys.
const (
	MetadataKeyTrigger      = "trigger"
	MetadataKeyTriggerEvent = "trigger_event"
)

// Event is one record from the external event ingress.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// TriggerConfig is the declarative rule stored under
// task.metadata.trigger.
type TriggerConfig struct {
	Type         string                 `json:"type,omitempty" yaml:"type"`
	EventPattern string                 `json:"event_pattern" yaml:"event_pattern"`
	SourceFilter string                 `json:"source_filter,omitempty" yaml:"source_filter"`
	Condition    map[string]interface{} `json:"condition,omitempty" yaml:"condition"`
	Enabled      bool                   `json:"enabled" yaml:"enabled"`
}

// TriggerFromTask decodes the trigger config from task metadata, or
// returns nil when the task has none.
func TriggerFromTask(task *Task) (*TriggerConfig, error) {
	raw, ok := task.Metadata[MetadataKeyTrigger]
	if !ok {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("trigger.Decode [%s]: %w", task.ID, err)
	}
	config := &TriggerConfig{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("trigger.Decode [%s]: %w", task.ID, err)
	}
	if config.EventPattern == "" {
		return nil, fmt.Errorf("trigger.Decode [%s]: event_pattern is required: %w", task.ID, core.ErrInvalidConfiguration)
	}
	return config, nil
}

// CloneFunc is invoked for each task instantiated by a trigger, after
// the clone has been persisted. The orchestrator uses it to begin
// execution.
type CloneFunc func(ctx context.Context, task *Task)

// TriggerBinding indexes trigger-bearing tasks and maps incoming
// events onto cloned instances.
type TriggerBinding struct {
	tasks   TaskStore
	onClone CloneFunc
	logger  core.Logger

	mu       sync.RWMutex
	bindings map[string]*TriggerConfig // template task id → config
}

// NewTriggerBinding creates a trigger binding. onClone may be nil.
func NewTriggerBinding(tasks TaskStore, onClone CloneFunc, logger core.Logger) *TriggerBinding {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/trigger")
	}
	return &TriggerBinding{
		tasks:    tasks,
		onClone:  onClone,
		logger:   logger,
		bindings: make(map[string]*TriggerConfig),
	}
}

// RegisterTask indexes a task's trigger at creation time. Tasks
// without a trigger are ignored. Disabled triggers stay indexed but
// never fire.
func (b *TriggerBinding) RegisterTask(task *Task) error {
	config, err := TriggerFromTask(task)
	if err != nil {
		return err
	}
	if config == nil {
		return nil
	}

	b.mu.Lock()
	b.bindings[task.ID] = config
	b.mu.Unlock()

	b.logger.Info("Trigger registered", map[string]interface{}{
		"task_id":       task.ID,
		"event_pattern": config.EventPattern,
		"enabled":       config.Enabled,
	})
	return nil
}

// UnregisterTask drops a template's trigger from the index.
func (b *TriggerBinding) UnregisterTask(taskID string) {
	b.mu.Lock()
	delete(b.bindings, taskID)
	b.mu.Unlock()
}

// HandleEvent matches an incoming event against every registered
// trigger and schedules a clone per match. Returns the ids of the
// cloned tasks.
func (b *TriggerBinding) HandleEvent(ctx context.Context, event *Event) ([]string, error) {
	b.mu.RLock()
	candidates := make(map[string]*TriggerConfig, len(b.bindings))
	for id, config := range b.bindings {
		candidates[id] = config
	}
	b.mu.RUnlock()

	var cloned []string
	for templateID, config := range candidates {
		if !b.matches(config, event) {
			continue
		}

		clone, err := b.cloneTemplate(ctx, templateID, event)
		if err != nil {
			b.logger.ErrorWithContext(ctx, "Trigger clone failed", map[string]interface{}{
				"template_id": templateID,
				"event_type":  event.Type,
				"error":       err.Error(),
			})
			continue
		}
		cloned = append(cloned, clone.ID)

		telemetry.Counter("engine.trigger.clones",
			"event_type", event.Type,
			"module", telemetry.ModuleTrigger,
		)
		b.logger.InfoWithContext(ctx, "Trigger fired", map[string]interface{}{
			"template_id": templateID,
			"clone_id":    clone.ID,
			"event_type":  event.Type,
			"event_id":    event.ID,
		})

		if b.onClone != nil {
			b.onClone(ctx, clone)
		}
	}
	return cloned, nil
}

// matches applies pattern, source filter, and condition in order.
func (b *TriggerBinding) matches(config *TriggerConfig, event *Event) bool {
	if !config.Enabled {
		return false
	}
	matched, err := path.Match(config.EventPattern, event.Type)
	if err != nil || !matched {
		return false
	}
	if config.SourceFilter != "" && !strings.HasPrefix(event.Source, config.SourceFilter) {
		return false
	}
	if config.Condition != nil {
		result := evalCondition(config.Condition, map[string]interface{}{"event": eventDocument(event)})
		if !truthy(result) {
			return false
		}
	}
	return true
}

// cloneTemplate loads the template fresh, clones it, injects the
// event, and persists the clone. The template is never mutated.
func (b *TriggerBinding) cloneTemplate(ctx context.Context, templateID string, event *Event) (*Task, error) {
	template, err := b.tasks.GetTask(ctx, templateID)
	if err != nil {
		return nil, err
	}

	clone := template.Clone()
	if clone.Metadata == nil {
		clone.Metadata = map[string]interface{}{}
	}
	delete(clone.Metadata, MetadataKeyTrigger) // clones do not re-trigger
	clone.Metadata[MetadataKeyTriggerEvent] = eventDocument(event)

	if _, err := b.tasks.CreateTask(ctx, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

// eventDocument renders an event as the map exposed to conditions and
// ${trigger_event.*} substitutions.
func eventDocument(event *Event) map[string]interface{} {
	return map[string]interface{}{
		"id":        event.ID,
		"type":      event.Type,
		"source":    event.Source,
		"data":      event.Data,
		"metadata":  event.Metadata,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339),
	}
}

// =============================================================================
// Minimal JSONLogic subset: var, ==, !=, <, >, <=, >=, and, or, !, length
// =============================================================================

// evalCondition evaluates a JSONLogic rule against a data document.
// Unsupported operators evaluate to nil (falsy) rather than erroring:
// a malformed condition must never fire a trigger.
func evalCondition(rule interface{}, data map[string]interface{}) interface{} {
	m, ok := rule.(map[string]interface{})
	if !ok || len(m) != 1 {
		return rule // literal
	}

	for op, rawArgs := range m {
		args := argList(rawArgs)
		switch op {
		case "var":
			if len(args) == 0 {
				return nil
			}
			pathArg, _ := evalCondition(args[0], data).(string)
			value, err := lookupPath(interface{}(data), pathArg)
			if err != nil {
				if len(args) > 1 {
					return evalCondition(args[1], data) // default
				}
				return nil
			}
			return value

		case "==":
			if len(args) != 2 {
				return nil
			}
			return looseEqual(evalCondition(args[0], data), evalCondition(args[1], data))

		case "!=":
			if len(args) != 2 {
				return nil
			}
			return !looseEqual(evalCondition(args[0], data), evalCondition(args[1], data))

		case "<", ">", "<=", ">=":
			if len(args) != 2 {
				return nil
			}
			left, leftOK := toNumber(evalCondition(args[0], data))
			right, rightOK := toNumber(evalCondition(args[1], data))
			if !leftOK || !rightOK {
				return nil
			}
			switch op {
			case "<":
				return left < right
			case ">":
				return left > right
			case "<=":
				return left <= right
			default:
				return left >= right
			}

		case "and":
			for _, arg := range args {
				if !truthy(evalCondition(arg, data)) {
					return false
				}
			}
			return true

		case "or":
			for _, arg := range args {
				if truthy(evalCondition(arg, data)) {
					return true
				}
			}
			return false

		case "!":
			if len(args) == 0 {
				return nil
			}
			return !truthy(evalCondition(args[0], data))

		case "length":
			if len(args) == 0 {
				return nil
			}
			switch v := evalCondition(args[0], data).(type) {
			case string:
				return float64(len(v))
			case []interface{}:
				return float64(len(v))
			case map[string]interface{}:
				return float64(len(v))
			default:
				return nil
			}

		default:
			return nil
		}
	}
	return nil
}

func argList(rawArgs interface{}) []interface{} {
	if list, ok := rawArgs.([]interface{}); ok {
		return list
	}
	return []interface{}{rawArgs}
}

// looseEqual compares with numeric coercion so JSON-decoded float64
// values compare equal to untyped ints in conditions.
func looseEqual(a, b interface{}) bool {
	if aNum, aOK := toNumber(a); aOK {
		if bNum, bOK := toNumber(b); bOK {
			return aNum == bNum
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}
