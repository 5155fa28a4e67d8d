package progress

import (
	"github.com/kalambet/annotd/internal/conversation"
)

// LabelCount is the coverage of one conversation-level annotation title.
type LabelCount struct {
	Label            string `json:"label"`
	NumsAnnotated    int    `json:"numsAnnotated"`
	NumsNotAnnotated int    `json:"numsNotAnnotated"`
}

// LabelDistribution groups conversation-level annotations by title over the
// conversations each policy allows. A conversation in scope for several
// policies is counted once per policy. Labels are returned in the order
// they are first encountered.
func LabelDistribution(convs []conversation.Conversation, policies []AccessPolicy) []LabelCount {
	var out []LabelCount
	index := make(map[string]int)

	for _, p := range policies {
		seen := make(map[string]bool)
		for _, c := range convs {
			if seen[c.ID] || !p.Allows(c.ID) {
				continue
			}
			seen[c.ID] = true
			for _, a := range c.Annotations {
				i, ok := index[a.Title]
				if !ok {
					i = len(out)
					index[a.Title] = i
					out = append(out, LabelCount{Label: a.Title})
				}
				if a.Completed() {
					out[i].NumsAnnotated++
				} else {
					out[i].NumsNotAnnotated++
				}
			}
		}
	}
	if out == nil {
		out = []LabelCount{}
	}
	return out
}
