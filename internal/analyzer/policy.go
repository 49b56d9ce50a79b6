// Package analyzer produces read-only deletion impact reports.
//
// The analyzer walks relationship edges from a deletion root, assigns each
// dependent its cascade action from the policy table, and summarizes the
// result for the confirmation dialog. It never mutates records.
package analyzer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"conservatory.io/cadenza/internal/domain"
)

// CascadePolicy maps relation types to cascade actions. Relations with no
// rule fall back to restrict so an unmodeled reference can never be
// silently destroyed.
type CascadePolicy struct {
	rules map[string]domain.CascadeAction
}

// policyFile is the on-disk shape for operator-tuned overrides.
type policyFile struct {
	Rules map[string]string `yaml:"rules"`
}

// DefaultPolicy returns the built-in conservatory policy table.
func DefaultPolicy() *CascadePolicy {
	return &CascadePolicy{rules: map[string]domain.CascadeAction{
		// Records owned by the root are deleted with it.
		"student_lessons":      domain.ActionDelete,
		"student_bagrut":       domain.ActionDelete,
		"orchestra_rehearsals": domain.ActionDelete,

		// Optional references survive with the reference cleared.
		"orchestra_membership": domain.ActionNullify,
		"rehearsal_attendance": domain.ActionNullify,

		// Lessons outlive their teacher under a placeholder assignment.
		"teacher_lessons": domain.ActionSetDefault,

		// A conducting teacher cannot be removed while assigned.
		"conducted_orchestras": domain.ActionRestrict,
	}}
}

// LoadPolicy reads an override file and merges it over the defaults.
func LoadPolicy(path string) (*CascadePolicy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cascade policy: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cascade policy: %w", err)
	}
	for relation, action := range file.Rules {
		a := domain.CascadeAction(action)
		switch a {
		case domain.ActionDelete, domain.ActionNullify, domain.ActionRestrict, domain.ActionSetDefault:
			p.rules[relation] = a
		default:
			return nil, fmt.Errorf("cascade policy: relation %q has unknown action %q", relation, action)
		}
	}
	return p, nil
}

// ActionFor returns the cascade action for a relation type; unknown
// relations restrict.
func (p *CascadePolicy) ActionFor(relationType string) domain.CascadeAction {
	if action, ok := p.rules[relationType]; ok {
		return action
	}
	return domain.ActionRestrict
}
