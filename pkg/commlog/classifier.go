package commlog

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Classifier assigns category, outcome, and follow-up fields using fixed,
// ordered keyword rules. The first matching rule wins; rule order is part of
// the contract and must not be "fixed" even where keyword sets overlap.
type Classifier struct {
	categoryRules []categoryRule
	outcomeRules  []outcomeRule

	followUpKeywords []string
	followUpDefault  time.Duration
}

type categoryRule struct {
	category Category
	keywords []string
}

type outcomeRule struct {
	outcome  Outcome
	keywords []string
}

// DefaultFollowUpWindow is added to occurred_at when follow-up is required
// and no explicit date is parseable from the note.
const DefaultFollowUpWindow = 7 * 24 * time.Hour

// NewClassifier creates a Classifier with the standard rule tables.
func NewClassifier() *Classifier {
	return &Classifier{
		categoryRules: []categoryRule{
			{CategoryAppointment, []string{"appointment", "appt", "schedul", "remind", "confirm", "resched"}},
			{CategoryBilling, []string{"bill", "payment", "balance", "statement", "invoice", "amount due", "past due"}},
			{CategoryClinical, []string{"treatment", "procedure", "prescription", "post-op", "post op", "pain", "x-ray", "crown", "filling", "cleaning"}},
			{CategoryInsurance, []string{"insurance", "claim", "coverage", "benefit", "eob"}},
			{CategoryFollowUp, []string{"follow up", "follow-up", "callback", "call back"}},
		},
		outcomeRules: []outcomeRule{
			{OutcomeConfirmed, []string{"confirm"}},
			{OutcomeRescheduled, []string{"reschedul", "moved to", "new time"}},
			{OutcomeCancelled, []string{"cancel"}},
			{OutcomeNoAnswer, []string{"no answer", "no-answer", "voicemail", "left message", "left a message", "no response", "did not answer", "unreachable"}},
		},
		followUpKeywords: []string{"follow up", "follow-up", "callback", "call back", "check back", "will call again"},
		followUpDefault:  DefaultFollowUpWindow,
	}
}

// WithFollowUpDefault overrides the default follow-up window.
func (c *Classifier) WithFollowUpDefault(d time.Duration) *Classifier {
	if d > 0 {
		c.followUpDefault = d
	}
	return c
}

// followUpDatePattern recognizes explicit dates of the form
// "on 6/15", "by 06/15/2025". Anything else falls back to the default window.
var followUpDatePattern = regexp.MustCompile(`(?i)\b(?:on|by)\s+(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`)

// Classify assigns category, outcome, and follow-up fields in place.
func (c *Classifier) Classify(e *CommunicationEvent) {
	content := strings.ToLower(e.Content)

	e.Category = c.classifyCategory(content)
	e.Outcome = c.classifyOutcome(content)

	e.FollowUpRequired = containsAny(content, c.followUpKeywords)
	if e.FollowUpRequired {
		date := c.parseFollowUpDate(e.Content, e.OccurredAt)
		e.FollowUpDate = &date
	} else {
		e.FollowUpDate = nil
	}
}

// ClassifyAll classifies a slice of events.
func (c *Classifier) ClassifyAll(events []*CommunicationEvent) {
	for _, e := range events {
		c.Classify(e)
	}
}

func (c *Classifier) classifyCategory(content string) Category {
	for _, rule := range c.categoryRules {
		if containsAny(content, rule.keywords) {
			return rule.category
		}
	}
	return CategoryGeneral
}

func (c *Classifier) classifyOutcome(content string) Outcome {
	for _, rule := range c.outcomeRules {
		if containsAny(content, rule.keywords) {
			return rule.outcome
		}
	}
	return OutcomeCompleted
}

// parseFollowUpDate returns the explicit follow-up date from the note, or
// occurred_at plus the default window when none is parseable.
func (c *Classifier) parseFollowUpDate(content string, occurredAt time.Time) time.Time {
	m := followUpDatePattern.FindStringSubmatch(content)
	if m == nil {
		return occurredAt.Add(c.followUpDefault)
	}

	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return occurredAt.Add(c.followUpDefault)
	}

	year := occurredAt.Year()
	if m[3] != "" {
		y, _ := strconv.Atoi(m[3])
		if y < 100 {
			y += 2000
		}
		year = y
	}

	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, occurredAt.Location())
	// A month/day without a year that already passed means next year.
	if m[3] == "" && date.Before(occurredAt) {
		date = date.AddDate(1, 0, 0)
	}
	return date
}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}
