// Package filter decides whether a market may be traded. Filters are
// operator-managed rows evaluated in priority order: market_id beats
// category beats keyword. Within a level an explicit allow wins, except at
// the keyword level where deny wins because keywords match broadly and
// denial should be the conservative outcome. A market no filter matches is
// allowed.
package filter

import (
	"fmt"
	"strings"

	"polycopy/pkg/types"
)

// Evaluator holds a normalised snapshot of the filter table. Build one per
// evaluation from the store; construction is cheap.
type Evaluator struct {
	byLevel map[types.FilterType][]entry
}

type entry struct {
	value  string
	action types.FilterAction
}

// NewEvaluator normalises filter values: trimmed, lowercased. Rows with
// empty values are dropped.
func NewEvaluator(filters []types.MarketFilter) *Evaluator {
	e := &Evaluator{byLevel: make(map[types.FilterType][]entry, 3)}
	for _, f := range filters {
		value := strings.ToLower(strings.TrimSpace(f.Value))
		if value == "" {
			continue
		}
		e.byLevel[f.Type] = append(e.byLevel[f.Type], entry{value: value, action: f.Action})
	}
	return e
}

// Evaluate runs the ladder for one market. Category matches exactly,
// keywords match as substrings of the question text.
func (e *Evaluator) Evaluate(marketID, category, question string) types.FilterVerdict {
	marketID = strings.ToLower(strings.TrimSpace(marketID))
	category = strings.ToLower(strings.TrimSpace(category))
	question = strings.ToLower(question)

	if v, ok := decide(e.matchEqual(types.FilterMarketID, marketID), types.FilterMarketID, false); ok {
		return v
	}
	if v, ok := decide(e.matchEqual(types.FilterCategory, category), types.FilterCategory, false); ok {
		return v
	}
	if v, ok := decide(e.matchContains(types.FilterKeyword, question), types.FilterKeyword, true); ok {
		return v
	}
	return types.FilterVerdict{Allowed: true, Reason: "no filter matched"}
}

func (e *Evaluator) matchEqual(level types.FilterType, value string) []entry {
	if value == "" {
		return nil
	}
	var matched []entry
	for _, f := range e.byLevel[level] {
		if f.value == value {
			matched = append(matched, f)
		}
	}
	return matched
}

func (e *Evaluator) matchContains(level types.FilterType, text string) []entry {
	var matched []entry
	for _, f := range e.byLevel[level] {
		if strings.Contains(text, f.value) {
			matched = append(matched, f)
		}
	}
	return matched
}

// decide resolves one level. With denyWins the first matching deny decides,
// otherwise the first matching allow does. Returns ok=false when nothing
// matched, so the ladder falls through.
func decide(matched []entry, level types.FilterType, denyWins bool) (types.FilterVerdict, bool) {
	if len(matched) == 0 {
		return types.FilterVerdict{}, false
	}

	winner := matched[0]
	for _, m := range matched {
		deny := m.action == types.FilterDeny
		if deny == denyWins {
			winner = m
			break
		}
	}

	if winner.action == types.FilterDeny {
		return types.FilterVerdict{
			Allowed: false,
			Reason:  fmt.Sprintf("blocked by %s filter %q", level, winner.value),
		}, true
	}
	return types.FilterVerdict{
		Allowed: true,
		Reason:  fmt.Sprintf("allowed by %s filter %q", level, winner.value),
	}, true
}
