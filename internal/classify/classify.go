// Package classify defines the pattern-table and heuristic classifiers the
// router's cheap tiers consult. Providers are external collaborators: the
// core treats their output opaquely, and the quality of any specific table
// is out of scope.
package classify

import (
	"context"
	"errors"
)

// ErrUnavailable signals the provider cannot serve right now. The router
// treats it as "no match" and escalates silently.
var ErrUnavailable = errors.New("classifier unavailable")

// Match is a classification hit: the tool to run, its arguments, and the
// provider's confidence in the mapping.
type Match struct {
	Tool       string
	Args       map[string]string
	Confidence float64
}

// Provider maps normalized text (plus optional prior context for antecedent
// resolution) to a tool invocation. A nil Match with nil error means no
// match. Never invoked by more than one tier per attempt.
type Provider interface {
	Match(ctx context.Context, text string, priorContext []string) (*Match, error)
}
