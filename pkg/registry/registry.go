// pkg/registry/registry.go
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"workflow-notifications/internal/common/validation"
	"workflow-notifications/internal/models"
	"workflow-notifications/internal/template"
)

// Load reads and checks a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Registry, error) {
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) validate() error {
	codes := make(map[string]bool, len(r.Templates))
	for i, t := range r.Templates {
		code := strings.TrimSpace(t.Code)
		if code == "" {
			return fmt.Errorf("template %d has no code", i)
		}
		if codes[code] {
			return fmt.Errorf("template %s is listed twice", code)
		}
		if strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Body) == "" {
			return fmt.Errorf("template %s needs a subject and a body", code)
		}
		codes[code] = true
	}

	tasks := make(map[string]bool, len(r.Activities))
	for i, a := range r.Activities {
		if a.TaskType == "" {
			return fmt.Errorf("activity %d (%s) has no task type", i, a.ID)
		}
		if tasks[a.TaskType] {
			return fmt.Errorf("task type %s is listed twice", a.TaskType)
		}
		tasks[a.TaskType] = true
	}
	return nil
}

// Activity returns the activity served under taskType.
func (r *Registry) Activity(taskType string) (*Activity, bool) {
	for i := range r.Activities {
		if r.Activities[i].TaskType == taskType {
			return &r.Activities[i], true
		}
	}
	return nil, false
}

// InputSchema compiles the input schema of the activity served under taskType.
// It returns nil for a nil registry, an unknown activity or one without a schema.
func (r *Registry) InputSchema(taskType string) (*validation.Schema, error) {
	if r == nil {
		return nil, nil
	}
	a, ok := r.Activity(taskType)
	if !ok || len(a.InputSchema) == 0 {
		return nil, nil
	}
	schema, err := validation.CompileSchema(a.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %s: %w", taskType, err)
	}
	return schema, nil
}

// UndeclaredPlaceholders lists, per template code, the names a template's texts
// use without declaring them in placeholders. Those render as literal text when
// a trigger omits them.
func (r *Registry) UndeclaredPlaceholders() map[string][]string {
	out := make(map[string][]string)
	for _, t := range r.Templates {
		declared := make(map[string]bool, len(t.Placeholders))
		for _, p := range t.Placeholders {
			declared[p] = true
		}
		for _, used := range template.ExtractPlaceholders(t.Subject, t.Body, t.ShortMessage) {
			if !declared[used] {
				out[t.Code] = append(out[t.Code], used)
			}
		}
	}
	return out
}

// MissingActivities returns the task types that have no activity entry.
func (r *Registry) MissingActivities(taskTypes []string) []string {
	var missing []string
	for _, tt := range taskTypes {
		if _, ok := r.Activity(tt); !ok {
			missing = append(missing, tt)
		}
	}
	return missing
}

// Template converts the definition into an active template ready to publish.
func (t TemplateDef) Template() *models.NotificationTemplate {
	channels := make([]string, 0, len(t.DefaultChannels))
	for _, c := range t.DefaultChannels {
		channels = append(channels, models.CanonicalChannel(c))
	}
	return &models.NotificationTemplate{
		Code:                 strings.TrimSpace(t.Code),
		Name:                 t.Name,
		Category:             t.Category,
		SubjectTemplate:      t.Subject,
		BodyTemplate:         t.Body,
		ShortMessageTemplate: t.ShortMessage,
		Placeholders:         append([]string(nil), t.Placeholders...),
		DefaultPriority:      models.ParsePriority(t.DefaultPriority),
		DefaultChannels:      channels,
		IsActive:             true,
	}
}

// Publisher stores a template as a new version when its content changed.
type Publisher interface {
	Publish(ctx context.Context, tpl *models.NotificationTemplate) (bool, error)
}

// SeedTemplates publishes every template and returns how many new versions were written.
func (r *Registry) SeedTemplates(ctx context.Context, p Publisher) (int, error) {
	written := 0
	for _, def := range r.Templates {
		changed, err := p.Publish(ctx, def.Template())
		if err != nil {
			return written, fmt.Errorf("publish template %s: %w", def.Code, err)
		}
		if changed {
			written++
		}
	}
	return written, nil
}
