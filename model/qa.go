package model

// QA check names, in the order the gate runs them.
const (
	CheckMediaRelevance     = "Media Relevance"
	CheckBrokenLinks        = "Broken Links"
	CheckEditorialCoherence = "Editorial Coherence"
)

// QACheckResult is the outcome of one QA check inside a gate run.
type QACheckResult struct {
	Name        string   `json:"name"`
	Passed      bool     `json:"passed"`
	Issues      []string `json:"issues"`
	FixAttempts int      `json:"fix_attempts"`
	State       string   `json:"state,omitempty"`
}

// FixesApplied tallies successful fixer invocations per check.
type FixesApplied struct {
	MediaFixes     int `json:"media_fixes"`
	LinkFixes      int `json:"link_fixes"`
	EditorialFixes int `json:"editorial_fixes"`
}

// Total returns the number of fixes across all checks.
func (f FixesApplied) Total() int {
	return f.MediaFixes + f.LinkFixes + f.EditorialFixes
}
