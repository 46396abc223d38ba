// Package roster declares agents in bulk from a YAML file.
package roster

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/taskcoord/internal/outbox"
	"github.com/ankittk/taskcoord/pkg/models"
)

// Entry is one agent in a roster file.
type Entry struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Version   string   `yaml:"version,omitempty"`
	Expertise []string `yaml:"expertise,omitempty"`
}

// Roster is the parsed file:
//
//	agents:
//	  - id: CA
//	    name: Coding Agent A
//	    type: ai
//	    expertise: [ui, go]
type Roster struct {
	Agents []Entry `yaml:"agents"`
}

// Specs converts entries to registration specs. Agent types are case-insensitive.
func (r *Roster) Specs() []models.AgentSpec {
	out := make([]models.AgentSpec, 0, len(r.Agents))
	for _, e := range r.Agents {
		t, ok := models.ParseAgentType(e.Type)
		if !ok {
			t = models.AgentType(e.Type)
		}
		out = append(out, models.AgentSpec{
			AgentID:   e.ID,
			AgentName: e.Name,
			AgentType: t,
			Version:   e.Version,
			Expertise: e.Expertise,
		})
	}
	return out
}

// Parse decodes and validates a roster document.
func Parse(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	var errs outbox.ValidationErrors
	seen := make(map[string]bool, len(r.Agents))
	for i, spec := range r.Specs() {
		for _, e := range outbox.ValidateAgentSpec(spec) {
			e.Field = fmt.Sprintf("agents[%d].%s", i, e.Field)
			errs = append(errs, e)
		}
		if spec.AgentID != "" && seen[spec.AgentID] {
			errs = append(errs, &outbox.ValidationError{AgentID: spec.AgentID, Field: fmt.Sprintf("agents[%d].id", i), Message: "duplicate agent id"})
		}
		seen[spec.AgentID] = true
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return &r, nil
}

// Load reads and parses the roster at path.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Registrar is the subset of coord.Service used to apply a roster.
type Registrar interface {
	CreateAgent(ctx context.Context, spec models.AgentSpec) (*models.Outbox, error)
}

// Report lists what Apply did.
type Report struct {
	Created []string `json:"created"`
	Skipped []string `json:"skipped"`
}

// Apply registers every agent in r that does not exist yet. Existing agents are
// left untouched and reported as skipped.
func Apply(ctx context.Context, reg Registrar, r *Roster) (*Report, error) {
	rep := &Report{Created: []string{}, Skipped: []string{}}
	for _, spec := range r.Specs() {
		_, err := reg.CreateAgent(ctx, spec)
		switch {
		case err == nil:
			rep.Created = append(rep.Created, spec.AgentID)
		case outbox.IsDuplicate(err):
			rep.Skipped = append(rep.Skipped, spec.AgentID)
		default:
			return rep, fmt.Errorf("register %s: %w", spec.AgentID, err)
		}
	}
	return rep, nil
}
