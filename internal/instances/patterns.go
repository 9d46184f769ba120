package instances

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"n8nadmin/internal/types"
)

// Pattern ranges accepted by the error-patterns endpoint. Months are
// calendar approximations.
var patternRanges = map[string]time.Duration{
	"1d":  24 * time.Hour,
	"14d": 14 * 24 * time.Hour,
	"1m":  30 * 24 * time.Hour,
	"6m":  180 * 24 * time.Hour,
	"12m": 365 * 24 * time.Hour,
}

const defaultPatternRange = "14d"

// PatternWindow resolves a range parameter to a duration, defaulting to two
// weeks for empty or unknown values.
func PatternWindow(rangeParam string) time.Duration {
	if window, ok := patternRanges[rangeParam]; ok {
		return window
	}
	return patternRanges[defaultPatternRange]
}

// AggregateErrorPatterns folds error events into per-message patterns,
// most frequent first. Ties break on recency.
func AggregateErrorPatterns(events []types.Event) []types.ErrorPattern {
	byMessage := map[string]*types.ErrorPattern{}
	for _, event := range events {
		message := event.Payload.ErrorMessage
		pattern, ok := byMessage[message]
		if !ok {
			pattern = &types.ErrorPattern{Message: message}
			byMessage[message] = pattern
		}
		pattern.Count++
		if event.OccurredAt.After(pattern.LastOccurred) {
			pattern.LastOccurred = event.OccurredAt
		}
		if event.Payload.WorkflowName != "" {
			pattern.AffectedWorkflows = append(pattern.AffectedWorkflows, event.Payload.WorkflowName)
		}
	}

	patterns := make([]types.ErrorPattern, 0, len(byMessage))
	for _, pattern := range byMessage {
		pattern.AffectedWorkflows = lo.Uniq(pattern.AffectedWorkflows)
		sort.Strings(pattern.AffectedWorkflows)
		patterns = append(patterns, *pattern)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].LastOccurred.After(patterns[j].LastOccurred)
	})
	return patterns
}
