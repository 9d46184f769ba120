package instances

import (
	"sort"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"n8nadmin/internal/types"
)

const (
	FilterActive   = "active"
	FilterInactive = "inactive"
	FilterAll      = "all"
)

// catchAllGroup collects workflows whose name does not start with a letter.
const catchAllGroup = "#"

// FilterWorkflows applies the activity filter. Unknown filter values fall
// back to the active-only default.
func FilterWorkflows(workflows []types.Workflow, filter string) []types.Workflow {
	switch filter {
	case FilterAll:
		return workflows
	case FilterInactive:
		return lo.Filter(workflows, func(w types.Workflow, _ int) bool { return !w.Active })
	default:
		return lo.Filter(workflows, func(w types.Workflow, _ int) bool { return w.Active })
	}
}

// GroupWorkflows partitions workflows by the uppercased first letter of
// their name. Groups come back sorted with the catch-all group first;
// workflow order within a group is preserved.
func GroupWorkflows(workflows []types.Workflow) []types.WorkflowGroup {
	buckets := map[string][]types.Workflow{}
	for _, w := range workflows {
		key := groupKey(w.Name)
		buckets[key] = append(buckets[key], w)
	}

	keys := lo.Keys(buckets)
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == catchAllGroup {
			return true
		}
		if keys[j] == catchAllGroup {
			return false
		}
		return keys[i] < keys[j]
	})

	groups := make([]types.WorkflowGroup, 0, len(keys))
	for _, key := range keys {
		groups = append(groups, types.WorkflowGroup{Key: key, Workflows: buckets[key]})
	}
	return groups
}

func groupKey(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return catchAllGroup
	}
	first := []rune(trimmed)[0]
	if !unicode.IsLetter(first) {
		return catchAllGroup
	}
	return string(unicode.ToUpper(first))
}

// VersionBadge classifies an instance version against the latest release.
// No badge when either side is unknown.
func VersionBadge(current, latest string) string {
	if current == "" || current == types.VersionUnknown || latest == "" || latest == types.VersionUnknown {
		return types.VersionBadgeNone
	}
	if current == latest {
		return types.VersionBadgeUpToDate
	}
	return types.VersionBadgeUpdateAvailable
}
