// Package manifest loads a YAML seed file declaring job templates,
// schedules and job groups, and applies it to the store idempotently.
// Operators keep the manifest in version control and re-apply it on
// deploy; rows that already exist (matched by template name) are left
// untouched.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/duskforge/nocturne/pkg/schedstore"
)

// Manifest declares the desired templates, schedules and groups.
type Manifest struct {
	Templates []TemplateSpec `yaml:"templates"`
	Schedules []ScheduleSpec `yaml:"schedules"`
	Groups    []GroupSpec    `yaml:"groups"`
}

type TemplateSpec struct {
	Name          string         `yaml:"name"`
	JobType       string         `yaml:"job_type"`
	DefaultParams map[string]any `yaml:"default_params"`
}

type ScheduleSpec struct {
	Template       string         `yaml:"template"`
	Cron           string         `yaml:"cron"`
	Timezone       string         `yaml:"timezone"`
	Enabled        *bool          `yaml:"enabled"`
	ParamOverrides map[string]any `yaml:"param_overrides"`
}

type GroupSpec struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"`
}

// Load reads and validates a manifest from the given file path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s", path)
		}
		return nil, fmt.Errorf("read manifest file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates a manifest from raw YAML. Unknown
// fields are rejected so typos do not silently drop configuration.
func LoadFromBytes(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and mode values.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Templates))
	for i, t := range m.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("templates[%d]: name is required", i)
		}
		if strings.TrimSpace(t.JobType) == "" {
			return fmt.Errorf("template %q: job_type is required", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate template name %q", t.Name)
		}
		seen[t.Name] = true
	}
	for i, s := range m.Schedules {
		if strings.TrimSpace(s.Template) == "" {
			return fmt.Errorf("schedules[%d]: template is required", i)
		}
		if !seen[s.Template] {
			return fmt.Errorf("schedule references unknown template %q", s.Template)
		}
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("schedule for template %q: cron is required", s.Template)
		}
	}
	for i, g := range m.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		switch schedstore.GroupMode(g.Mode) {
		case schedstore.GroupModeSequential, schedstore.GroupModeParallel:
		default:
			return fmt.Errorf("group %q: mode must be sequential or parallel", g.Name)
		}
	}
	return nil
}

// Apply creates the declared entities that do not exist yet. Templates are
// matched by name; an existing template also suppresses re-creating its
// schedules, so re-applying the same manifest is a no-op. Returns how many
// rows were created.
func (m *Manifest) Apply(ctx context.Context, store *schedstore.Store) (int, error) {
	created := 0

	for _, spec := range m.Templates {
		_, err := store.GetTemplateByName(ctx, spec.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, schedstore.ErrNotFound) {
			return created, err
		}

		params, err := encodeParams(spec.DefaultParams)
		if err != nil {
			return created, fmt.Errorf("template %q: %w", spec.Name, err)
		}
		tpl := &schedstore.JobTemplate{
			Name:          spec.Name,
			JobType:       spec.JobType,
			DefaultParams: params,
		}
		if err := store.CreateTemplate(ctx, tpl); err != nil {
			return created, err
		}
		created++

		for _, schSpec := range m.Schedules {
			if schSpec.Template != spec.Name {
				continue
			}
			overrides, err := encodeParams(schSpec.ParamOverrides)
			if err != nil {
				return created, fmt.Errorf("schedule for %q: %w", spec.Name, err)
			}
			enabled := true
			if schSpec.Enabled != nil {
				enabled = *schSpec.Enabled
			}
			sch := &schedstore.Schedule{
				TemplateID:     tpl.TemplateID,
				CronExpression: schSpec.Cron,
				Timezone:       schSpec.Timezone,
				Enabled:        enabled,
				ParamOverrides: overrides,
			}
			if err := store.CreateSchedule(ctx, sch); err != nil {
				return created, err
			}
			created++
		}
	}

	for _, spec := range m.Groups {
		if err := store.CreateGroup(ctx, &schedstore.JobGroup{
			Name: spec.Name,
			Mode: schedstore.GroupMode(spec.Mode),
		}); err != nil {
			return created, err
		}
		created++
	}

	return created, nil
}

func encodeParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(b), nil
}
