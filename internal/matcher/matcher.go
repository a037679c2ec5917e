package matcher

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"taskrelay.app/relay/internal/event"
	"taskrelay.app/relay/internal/model"
)

// Match is one selected rule with its template rendered against the event.
type Match struct {
	Rule   model.Rule
	Output string
}

// Select returns every enabled rule whose trigger equals the event type and
// whose conditions all hold, ordered by priority (higher first) and then by
// declaration order. Every returned rule is meant to fire.
func Select(rules []model.Rule, ev *event.Event) []Match {
	selected := make([]model.Rule, 0, len(rules))
	for i, rule := range rules {
		if rule.Disabled || rule.Trigger != ev.Type {
			continue
		}
		if !conditionsHold(rule.Conditions, ev.Fields) {
			continue
		}
		if rule.Index == 0 {
			rule.Index = i
		}
		selected = append(selected, rule)
	}

	slices.SortStableFunc(selected, func(a, b model.Rule) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Index, b.Index)
	})

	matches := make([]Match, len(selected))
	for i, rule := range selected {
		matches[i] = Match{Rule: rule, Output: Render(rule.Template, ev.Fields)}
	}
	return matches
}

func conditionsHold(conditions []model.Condition, fields event.Value) bool {
	for _, c := range conditions {
		if !ConditionHolds(c, fields) {
			return false
		}
	}
	return true
}

// ConditionHolds evaluates one condition against the best-effort string at
// its field path. A missing path never satisfies a comparison.
func ConditionHolds(c model.Condition, fields event.Value) bool {
	node, found := fields.Lookup(c.Field)
	if c.Op == model.ComparatorExists {
		return found && !node.IsNull()
	}
	if !found {
		return false
	}

	text := node.Text("")
	switch c.Op {
	case model.ComparatorEquals:
		return text == c.Value
	case model.ComparatorPrefix:
		return strings.HasPrefix(text, c.Value)
	case model.ComparatorContains, "":
		return strings.Contains(text, c.Value)
	}
	return false
}

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Render substitutes {{dotted.path}} placeholders from fields. Unresolved
// paths render as the empty string; rendering never fails.
func Render(template string, fields event.Value) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		if path == "" {
			return ""
		}
		return fields.TextAt(path, "")
	})
}
