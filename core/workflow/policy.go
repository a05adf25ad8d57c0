package workflow

import "strings"

// AutomationLevel controls which gates require a human.
type AutomationLevel int

const (
	// AutomationFull auto-approves every gate.
	AutomationFull AutomationLevel = 1
	// AutomationMajor stops at major gates only.
	AutomationMajor AutomationLevel = 2
	// AutomationManual stops at every gate.
	AutomationManual AutomationLevel = 3
)

// Valid reports whether l is 1, 2 or 3.
func (l AutomationLevel) Valid() bool {
	return l >= AutomationFull && l <= AutomationManual
}

// Importance classifies a gate for the automation policy.
type Importance string

const (
	ImportanceMajor Importance = "major"
	ImportanceMinor Importance = "minor"
)

// Policy decides whether a gate needs a human. Importance defaults to the
// value declared on the gate and may be overridden per "workflow.gate".
type Policy struct {
	overrides map[string]Importance
}

// NewPolicy builds a policy from "workflow.gate" -> importance overrides.
// Unknown importance values are ignored.
func NewPolicy(overrides map[string]string) *Policy {
	p := &Policy{overrides: map[string]Importance{}}
	for key, val := range overrides {
		switch imp := Importance(strings.ToLower(strings.TrimSpace(val))); imp {
		case ImportanceMajor, ImportanceMinor:
			p.overrides[strings.TrimSpace(key)] = imp
		}
	}
	return p
}

// Importance returns the effective importance of gate within workflow.
func (p *Policy) Importance(workflow string, gate *Node) Importance {
	if p != nil {
		if imp, ok := p.overrides[workflow+"."+gate.Name]; ok {
			return imp
		}
	}
	if gate.Gate != nil && gate.Gate.Importance != "" {
		return gate.Gate.Importance
	}
	return ImportanceMajor
}

// RequiresApproval applies the automation table.
func (p *Policy) RequiresApproval(level AutomationLevel, importance Importance) bool {
	switch level {
	case AutomationFull:
		return false
	case AutomationManual:
		return true
	default:
		return importance != ImportanceMinor
	}
}
