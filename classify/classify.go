// Package classify assigns category labels to snapshots and filters
// snapshot collections by search criteria. Classification is a pure
// function of its inputs: rules are evaluated in caller-supplied order,
// the first match wins, and a mandatory default label catches the rest.
package classify

import (
	"errors"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/harborline/snapstore/snapshot"
)

// ErrNoDefault is returned when a rule set omits the mandatory default
// label.
var ErrNoDefault = errors.New("rule set requires a default label")

// Rule pairs a label with a predicate over a snapshot/config pair.
type Rule struct {
	Label string
	Match func(snap *snapshot.Snapshot, cfg snapshot.StoreConfig) bool
}

// RuleSet is an ordered list of rules plus the mandatory default label.
type RuleSet struct {
	Rules   []Rule
	Default string
}

// Classify returns the label of the first matching rule, or the default.
// It reads nothing outside its arguments, so identical inputs always
// produce identical results.
func Classify(snap *snapshot.Snapshot, cfg snapshot.StoreConfig, rules RuleSet) (string, error) {
	if rules.Default == "" {
		return "", ErrNoDefault
	}
	if snap == nil {
		return rules.Default, nil
	}
	for _, rule := range rules.Rules {
		if rule.Match == nil {
			continue
		}
		if rule.Match(snap, cfg) {
			return rule.Label, nil
		}
	}
	return rules.Default, nil
}

var titleCaser = cases.Title(language.English)

// DisplayLabel renders a category label for UI consumption, e.g.
// "in-progress" becomes "In Progress".
func DisplayLabel(label string) string {
	if label == "" {
		return ""
	}
	cleaned := strings.NewReplacer("-", " ", "_", " ").Replace(label)
	return titleCaser.String(cleaned)
}
