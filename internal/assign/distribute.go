// Package assign distributes conversations among annotators and records
// the result as a team of per-annotator assignments.
package assign

import (
	"github.com/kalambet/annotd/internal/apperr"
)

// Distribute spreads conversations over annotators so that every
// conversation is reviewed by exactly overlap distinct annotators.
//
// Each conversation is expanded into overlap consecutive slots and slot i
// goes to annotators[i % len(annotators)]. Because overlap never exceeds the
// number of annotators, the slots of one conversation land on distinct
// annotators, and per-annotator counts differ by at most one.
//
// Every annotator appears in the result, possibly with an empty list.
// Duplicate annotator and conversation ids are collapsed to their first
// occurrence.
func Distribute(annotators, conversations []string, overlap int) (map[string][]string, error) {
	annotators = dedupe(annotators)
	conversations = dedupe(conversations)
	if len(annotators) == 0 {
		return nil, apperr.Invalid("annotatorIds", "at least one annotator is required")
	}
	if len(conversations) == 0 {
		return nil, apperr.Invalid("conversationIds", "at least one conversation is required")
	}
	if overlap < 1 || overlap > len(annotators) {
		return nil, apperr.Invalid("overlap", "must be between 1 and %d, got %d", len(annotators), overlap)
	}

	out := make(map[string][]string, len(annotators))
	for _, a := range annotators {
		out[a] = []string{}
	}

	n := len(annotators)
	for i := 0; i < len(conversations)*overlap; i++ {
		a := annotators[i%n]
		out[a] = append(out[a], conversations[i/overlap])
	}
	return out, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
