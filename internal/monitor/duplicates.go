package monitor

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/slate-dev/slate/internal/model"
)

// DuplicateMode selects how task titles are compared
type DuplicateMode string

const (
	DuplicateExact      DuplicateMode = "exact"
	DuplicateNormalized DuplicateMode = "normalized"
	DuplicateFuzzy      DuplicateMode = "fuzzy"
)

// DefaultFuzzyThreshold is the token Jaccard similarity at which two titles match
const DefaultFuzzyThreshold = 0.9

// ParseDuplicateMode validates a mode name. Empty means normalized.
func ParseDuplicateMode(s string) (DuplicateMode, error) {
	switch m := DuplicateMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DuplicateNormalized, nil
	case DuplicateExact, DuplicateNormalized, DuplicateFuzzy:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDuplicateMode, s)
	}
}

// NormalizeTitle lower-cases a title, drops punctuation and collapses whitespace
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Jaccard returns the similarity of the token sets of two titles
func Jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	shared := 0
	for tok := range setA {
		if setB[tok] {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}

func tokenSet(title string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(NormalizeTitle(title)) {
		set[tok] = true
	}
	return set
}

// duplicatePair is a task to archive and the task it duplicates
type duplicatePair struct {
	dup  *model.Task
	kept *model.Task
}

// findDuplicates groups tasks by title. The earliest created task of each
// group is kept, ties broken by id.
func findDuplicates(tasks []*model.Task, mode DuplicateMode, threshold float64) []duplicatePair {
	sorted := make([]*model.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var pairs []duplicatePair

	if mode == DuplicateFuzzy {
		var kept []*model.Task
		for _, task := range sorted {
			var match *model.Task
			for _, k := range kept {
				if Jaccard(k.Title, task.Title) >= threshold {
					match = k
					break
				}
			}
			if match != nil {
				pairs = append(pairs, duplicatePair{dup: task, kept: match})
				continue
			}
			kept = append(kept, task)
		}
		return pairs
	}

	keys := make(map[string]*model.Task)
	for _, task := range sorted {
		key := task.Title
		if mode == DuplicateNormalized {
			key = NormalizeTitle(task.Title)
		}
		if key == "" {
			continue
		}
		if k, ok := keys[key]; ok {
			pairs = append(pairs, duplicatePair{dup: task, kept: k})
			continue
		}
		keys[key] = task
	}
	return pairs
}
