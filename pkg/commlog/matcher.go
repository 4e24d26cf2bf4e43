package commlog

// DefaultSimilarityThreshold is the minimum similarity for a text match,
// on a 0-1 normalized scale.
const DefaultSimilarityThreshold = 0.4

// TemplateMatcher matches classified events against the template catalog.
// Matching is best-effort reporting input: it never blocks classification
// output and automation flags do not depend on it.
type TemplateMatcher struct {
	threshold float64
}

// NewTemplateMatcher creates a matcher; a non-positive threshold falls back
// to the default.
func NewTemplateMatcher(threshold float64) *TemplateMatcher {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &TemplateMatcher{threshold: threshold}
}

// Match selects the best template for an event, or nil when none applies.
// Priority order: (1) highest text similarity at or above the threshold,
// ties broken by most recently updated template; (2) exact category+mode
// match as a fallback, again preferring the most recently updated. Only
// active templates are eligible.
func (m *TemplateMatcher) Match(e *CommunicationEvent, templates []Template) *TemplateMatch {
	var best *TemplateMatch
	var bestUpdated int64

	for i := range templates {
		tpl := &templates[i]
		if !tpl.IsActive {
			continue
		}
		score := TrigramSimilarity(e.Content, tpl.Content)
		if score < m.threshold {
			continue
		}
		if best == nil || score > best.Similarity ||
			(score == best.Similarity && tpl.UpdatedAt.UnixNano() > bestUpdated) {
			best = &TemplateMatch{
				CommunicationID: e.ID,
				TemplateID:      tpl.ID,
				Similarity:      score,
				MatchedVia:      MatchedBySimilarity,
			}
			bestUpdated = tpl.UpdatedAt.UnixNano()
		}
	}
	if best != nil {
		return best
	}

	// Fallback: exact category + mode match.
	for i := range templates {
		tpl := &templates[i]
		if !tpl.IsActive || tpl.Category != e.Category || !modeMatchesTemplate(e.Mode, tpl.Type) {
			continue
		}
		if best == nil || tpl.UpdatedAt.UnixNano() > bestUpdated {
			best = &TemplateMatch{
				CommunicationID: e.ID,
				TemplateID:      tpl.ID,
				Similarity:      0,
				MatchedVia:      MatchedByCategoryMode,
			}
			bestUpdated = tpl.UpdatedAt.UnixNano()
		}
	}
	return best
}

// MatchAll matches a slice of events, skipping events with no match.
func (m *TemplateMatcher) MatchAll(events []*CommunicationEvent, templates []Template) []TemplateMatch {
	matches := make([]TemplateMatch, 0, len(events))
	for _, e := range events {
		if match := m.Match(e, templates); match != nil {
			matches = append(matches, *match)
		}
	}
	return matches
}

func modeMatchesTemplate(mode Mode, t TemplateType) bool {
	switch t {
	case TemplateEmail:
		return mode == ModeEmail
	case TemplateSMS:
		return mode == ModeSMS
	case TemplateLetter:
		return mode == ModeLetter
	default:
		return false
	}
}
