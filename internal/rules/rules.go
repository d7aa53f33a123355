// Package rules holds the static transition rule table and its matching logic.
package rules

import (
	"fmt"

	"phaseline/internal/domain"
)

// Registry is an immutable set of transition rules. Build it once with New,
// then only read it; no lock is needed on the lookup paths.
type Registry struct {
	rules []domain.TransitionRule
}

// New validates the rule set and returns a registry.
func New(rules []domain.TransitionRule) (*Registry, error) {
	r := &Registry{rules: append([]domain.TransitionRule(nil), rules...)}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) validate() error {
	seen := map[string]bool{}
	for _, rule := range r.rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %s->%s on %s: id required", rule.From, rule.To, rule.Trigger)
		}
		if seen[rule.ID] {
			return fmt.Errorf("duplicate rule id %s", rule.ID)
		}
		seen[rule.ID] = true
		if !rule.From.Valid() {
			return fmt.Errorf("rule %s: unknown from phase %s", rule.ID, rule.From)
		}
		if !rule.To.Valid() {
			return fmt.Errorf("rule %s: unknown to phase %s", rule.ID, rule.To)
		}
		if !rule.From.Before(rule.To) {
			return fmt.Errorf("rule %s: %s -> %s moves backward", rule.ID, rule.From, rule.To)
		}
		if rule.Trigger == "" {
			return fmt.Errorf("rule %s: trigger required", rule.ID)
		}
	}
	// Ambiguity is a configuration error: for a (from, trigger) pair the
	// meeting-type filters must not overlap.
	for i, a := range r.rules {
		for _, b := range r.rules[i+1:] {
			if a.From != b.From || a.Trigger != b.Trigger {
				continue
			}
			if a.Trigger == domain.TriggerManual && a.To != b.To {
				// Manual rules are keyed on the full (from, to) pair.
				continue
			}
			if meetingTypesOverlap(a.MeetingTypes, b.MeetingTypes) {
				return fmt.Errorf("rules %s and %s are ambiguous for (%s, %s)", a.ID, b.ID, a.From, a.Trigger)
			}
		}
	}
	return nil
}

func meetingTypesOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if set[t] {
			return true
		}
	}
	return false
}

// Find returns the single rule matching the exact (from, to, trigger) key and,
// when the rule carries a meeting-type filter, the supplied meeting type.
// Zero or multiple matches both report not found.
func (r *Registry) Find(from, to domain.Phase, trigger domain.Trigger, meetingType string) (domain.TransitionRule, bool) {
	var found domain.TransitionRule
	count := 0
	for _, rule := range r.rules {
		if rule.From != from || rule.To != to || rule.Trigger != trigger {
			continue
		}
		if !rule.MatchesMeetingType(meetingType) {
			continue
		}
		found = rule
		count++
	}
	if count != 1 {
		return domain.TransitionRule{}, false
	}
	return found, true
}

// ForTrigger resolves the rule for an automatic trigger, where the target
// phase is determined by the rule itself.
func (r *Registry) ForTrigger(from domain.Phase, trigger domain.Trigger, meetingType string) (domain.TransitionRule, bool) {
	var found domain.TransitionRule
	count := 0
	for _, rule := range r.rules {
		if rule.From != from || rule.Trigger != trigger {
			continue
		}
		if !rule.MatchesMeetingType(meetingType) {
			continue
		}
		found = rule
		count++
	}
	if count != 1 {
		return domain.TransitionRule{}, false
	}
	return found, true
}

// ForPhase partitions the rules reachable from a phase by AutoApply.
func (r *Registry) ForPhase(from domain.Phase) (automatic, manual []domain.TransitionRule) {
	for _, rule := range r.rules {
		if rule.From != from {
			continue
		}
		if rule.AutoApply {
			automatic = append(automatic, rule)
		} else {
			manual = append(manual, rule)
		}
	}
	return automatic, manual
}

// All returns a copy of the rule table.
func (r *Registry) All() []domain.TransitionRule {
	return append([]domain.TransitionRule(nil), r.rules...)
}
