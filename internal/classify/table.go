package classify

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Rule is one deterministic pattern-table entry. Named capture groups become
// tool arguments.
type Rule struct {
	Pattern    *regexp.Regexp
	Tool       string
	Confidence float64
}

// RegexTable is the tier-1 deterministic matcher: a table lookup against
// normalized input with zero network cost. First matching rule wins.
type RegexTable struct {
	rules  []Rule
	logger *zap.Logger
}

// NewRegexTable builds a table from the given rules.
func NewRegexTable(rules []Rule, logger *zap.Logger) *RegexTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegexTable{rules: rules, logger: logger}
}

// Match scans the table in order and returns the first hit.
func (t *RegexTable) Match(_ context.Context, text string, _ []string) (*Match, error) {
	norm := Normalize(text)
	for _, r := range t.rules {
		m := r.Pattern.FindStringSubmatch(norm)
		if m == nil {
			continue
		}
		args := make(map[string]string)
		for i, name := range r.Pattern.SubexpNames() {
			if name != "" && i < len(m) {
				args[name] = m[i]
			}
		}
		conf := r.Confidence
		if conf <= 0 {
			conf = 1.0
		}
		t.logger.Debug("pattern table hit",
			zap.String("tool", r.Tool),
			zap.Float64("confidence", conf))
		return &Match{Tool: r.Tool, Args: args, Confidence: conf}, nil
	}
	return nil, nil
}

// KeywordSet scores one category for the tier-2 lightweight classifier.
type KeywordSet struct {
	Tool     string
	Keywords []string
	// BaseConfidence is granted on the first keyword hit; each additional
	// hit adds Boost, capped at 0.95.
	BaseConfidence float64
	Boost          float64
}

// KeywordClassifier is the tier-2 heuristic: keyword scoring without
// invoking the model backend. Prior context participates in scoring so
// short follow-ups ("what about that one?") still land in a category.
type KeywordClassifier struct {
	sets   []KeywordSet
	logger *zap.Logger
}

// NewKeywordClassifier builds a classifier from the given sets.
func NewKeywordClassifier(sets []KeywordSet, logger *zap.Logger) *KeywordClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeywordClassifier{sets: sets, logger: logger}
}

// Match scores every set against the text plus prior context and returns the
// best-scoring category, or nil when nothing scored.
func (c *KeywordClassifier) Match(_ context.Context, text string, priorContext []string) (*Match, error) {
	haystack := Normalize(text)
	if len(priorContext) > 0 {
		haystack += " " + Normalize(strings.Join(priorContext, " "))
	}

	var best *Match
	for _, set := range c.sets {
		hits := 0
		for _, kw := range set.Keywords {
			if strings.Contains(haystack, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := set.BaseConfidence + float64(hits-1)*set.Boost
		if conf > 0.95 {
			conf = 0.95
		}
		if best == nil || conf > best.Confidence {
			best = &Match{Tool: set.Tool, Confidence: conf}
		}
	}
	if best != nil {
		c.logger.Debug("keyword classification",
			zap.String("tool", best.Tool),
			zap.Float64("confidence", best.Confidence))
	}
	return best, nil
}

// Normalize lowercases and collapses whitespace. Both cheap tiers match
// against normalized text so tables stay case-insensitive.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Signature derives the coarse task-signature key the duration predictor
// uses: the classified category when one exists, otherwise a length bucket.
func Signature(text string, hint string) string {
	if hint != "" {
		return "cat:" + hint
	}
	n := len(Normalize(text))
	switch {
	case n < 40:
		return "len:short"
	case n < 200:
		return "len:medium"
	default:
		return "len:long"
	}
}
