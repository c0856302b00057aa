// This file implements plan intake: building a task from a planner's
// step list, and loading operator-authored task templates from YAML.
// Templates are the planner bypass used for trigger-driven automation,
// where the step graph is fixed and only event data varies.
package engine

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helmsman-ai/helmsman/core"
)

// PlanTask asks the planner for a step list and assembles a validated
// task ready for submission.
func PlanTask(ctx context.Context, planner Planner, userID, goal string, constraints map[string]interface{}) (*Task, error) {
	steps, err := planner.Plan(ctx, goal, constraints)
	if err != nil {
		return nil, fmt.Errorf("plan [%s]: %w", goal, err)
	}
	if err := ValidatePlan(steps); err != nil {
		return nil, err
	}

	task := NewTask(userID, goal)
	task.Constraints = constraints
	task.Steps = steps
	task.Status = TaskReady
	return task, nil
}

// TaskTemplate is the YAML shape for operator-authored tasks.
type TaskTemplate struct {
	Name             string                 `yaml:"name"`
	Goal             string                 `yaml:"goal"`
	UserID           string                 `yaml:"user_id"`
	OrganizationID   string                 `yaml:"organization_id"`
	Constraints      map[string]interface{} `yaml:"constraints"`
	SuccessCriteria  []string               `yaml:"success_criteria"`
	MaxParallelSteps int                    `yaml:"max_parallel_steps"`
	Metadata         map[string]interface{} `yaml:"metadata"`
	Trigger          *TriggerConfig         `yaml:"trigger"`
	Steps            []StepTemplate         `yaml:"steps"`
}

// StepTemplate is the YAML shape for one step.
type StepTemplate struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name"`
	Description   string                 `yaml:"description"`
	AgentType     string                 `yaml:"agent_type"`
	Domain        string                 `yaml:"domain"`
	Inputs        map[string]interface{} `yaml:"inputs"`
	DependsOn     []string               `yaml:"depends_on"`
	ParallelGroup string                 `yaml:"parallel_group"`

	// Pointers so absent fields keep engine defaults.
	IsCritical *bool `yaml:"is_critical"`
	MaxRetries *int  `yaml:"max_retries"`

	FailurePolicy FailurePolicy       `yaml:"failure_policy"`
	Fallback      *FallbackTemplate   `yaml:"fallback"`
	Checkpoint    *CheckpointTemplate `yaml:"checkpoint"`
}

// FallbackTemplate is the YAML shape for fallback options.
type FallbackTemplate struct {
	Options   []FallbackOption `yaml:"options"`
	RetrySafe bool             `yaml:"retry_safe"`
}

// CheckpointTemplate is the YAML shape for a checkpoint binding.
type CheckpointTemplate struct {
	Name             string                   `yaml:"name"`
	Description      string                   `yaml:"description"`
	Type             CheckpointType           `yaml:"type"`
	ApprovalType     ApprovalType             `yaml:"approval_type"`
	TimeoutMinutes   int                      `yaml:"timeout_minutes"`
	PreferenceKey    string                   `yaml:"preference_key"`
	LearnPreference  bool                     `yaml:"learn_preference"`
	PreviewFields    []string                 `yaml:"preview_fields"`
	InputSchema      map[string]interface{}   `yaml:"input_schema"`
	ModifiableFields []string                 `yaml:"modifiable_fields"`
	Alternatives     []map[string]interface{} `yaml:"alternatives"`
	Questions        []string                 `yaml:"questions"`
	ContextData      map[string]interface{}   `yaml:"context_data"`
}

// ParseTaskYAML parses a task template and assembles a validated task.
func ParseTaskYAML(data []byte) (*Task, error) {
	var template TaskTemplate
	if err := yaml.Unmarshal(data, &template); err != nil {
		return nil, fmt.Errorf("parsing task YAML: %w", err)
	}
	return TaskFromTemplate(&template)
}

// TaskFromTemplate builds a task from a decoded template.
func TaskFromTemplate(template *TaskTemplate) (*Task, error) {
	if template.Goal == "" {
		return nil, fmt.Errorf("task template requires a goal: %w", core.ErrInvalidPlan)
	}

	task := NewTask(template.UserID, template.Goal)
	task.OrganizationID = template.OrganizationID
	task.Constraints = template.Constraints
	task.SuccessCriteria = template.SuccessCriteria
	task.Metadata = template.Metadata
	if template.MaxParallelSteps > 0 {
		task.MaxParallelSteps = template.MaxParallelSteps
	}
	if template.Trigger != nil {
		if task.Metadata == nil {
			task.Metadata = map[string]interface{}{}
		}
		task.Metadata[MetadataKeyTrigger] = triggerToMetadata(template.Trigger)
	}

	for _, st := range template.Steps {
		step := NewStep(st.ID, st.Name, st.AgentType)
		step.Description = st.Description
		step.Domain = st.Domain
		step.Inputs = st.Inputs
		step.Dependencies = st.DependsOn
		step.ParallelGroup = st.ParallelGroup
		step.FailurePolicy = st.FailurePolicy
		if st.IsCritical != nil {
			step.IsCritical = *st.IsCritical
		}
		if st.MaxRetries != nil {
			step.MaxRetries = *st.MaxRetries
		}
		if st.Fallback != nil {
			step.FallbackConfig = &FallbackConfig{
				Options:   st.Fallback.Options,
				RetrySafe: st.Fallback.RetrySafe,
			}
		}
		if st.Checkpoint != nil {
			step.CheckpointRequired = true
			step.CheckpointConfig = &CheckpointConfig{
				Name:             st.Checkpoint.Name,
				Description:      st.Checkpoint.Description,
				Type:             st.Checkpoint.Type,
				ApprovalType:     st.Checkpoint.ApprovalType,
				TimeoutMinutes:   st.Checkpoint.TimeoutMinutes,
				PreferenceKey:    st.Checkpoint.PreferenceKey,
				LearnPreference:  st.Checkpoint.LearnPreference,
				PreviewFields:    st.Checkpoint.PreviewFields,
				InputSchema:      st.Checkpoint.InputSchema,
				ModifiableFields: st.Checkpoint.ModifiableFields,
				Alternatives:     st.Checkpoint.Alternatives,
				Questions:        st.Checkpoint.Questions,
				ContextData:      st.Checkpoint.ContextData,
			}
			if step.CheckpointConfig.Name == "" {
				step.CheckpointConfig.Name = step.Name
			}
		}
		task.Steps = append(task.Steps, step)
	}

	if err := ValidatePlan(task.Steps); err != nil {
		return nil, err
	}
	task.Status = TaskReady
	task.UpdatedAt = time.Now().UTC()
	return task, nil
}

// triggerToMetadata renders a trigger config as the plain map stored
// under task.metadata.trigger.
func triggerToMetadata(config *TriggerConfig) map[string]interface{} {
	m := map[string]interface{}{
		"event_pattern": config.EventPattern,
		"enabled":       config.Enabled,
	}
	if config.Type != "" {
		m["type"] = config.Type
	}
	if config.SourceFilter != "" {
		m["source_filter"] = config.SourceFilter
	}
	if config.Condition != nil {
		m["condition"] = config.Condition
	}
	return m
}
