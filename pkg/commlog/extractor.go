package commlog

import (
	"regexp"
	"strconv"
	"strings"
)

// EntityExtractor populates linked entity IDs and contact phone numbers from
// free-text notes using ordered regex rules. Extracted IDs are plain
// integers; no existence validation happens here, downstream consumers
// validate against their own reference tables.
type EntityExtractor struct {
	rules []entityRule
	phone *regexp.Regexp
}

type entityRule struct {
	name    string
	pattern *regexp.Regexp
	assign  func(e *CommunicationEvent, id int64)
}

// Entity rules match a keyword followed by '#' and 1-7 digits. The digit
// bound keeps ten-digit phone runs from ever matching: \d{1,7}\b cannot end
// inside a longer digit run.
var (
	phonePattern = regexp.MustCompile(`(?i)\bnumber\s+(\d{10})\b`)
	apptPattern  = regexp.MustCompile(`(?i)\b(?:appt|appointment)\s*#\s*(\d{1,7})\b`)
	claimPattern = regexp.MustCompile(`(?i)\b(?:claim|insurance)\s*#\s*(\d{1,7})\b`)
	procPattern  = regexp.MustCompile(`(?i)\b(?:proc|procedure)\s*#\s*(\d{1,7})\b`)
)

// NewEntityExtractor creates an extractor with the standard ordered rules.
func NewEntityExtractor() *EntityExtractor {
	return &EntityExtractor{
		phone: phonePattern,
		rules: []entityRule{
			{
				name:    "appointment",
				pattern: apptPattern,
				assign:  func(e *CommunicationEvent, id int64) { e.LinkedAppointmentID = &id },
			},
			{
				name:    "claim",
				pattern: claimPattern,
				assign:  func(e *CommunicationEvent, id int64) { e.LinkedClaimID = &id },
			},
			{
				name:    "procedure",
				pattern: procPattern,
				assign:  func(e *CommunicationEvent, id int64) { e.LinkedProcedureID = &id },
			},
		},
	}
}

// Extract applies the rules to the event's content in order, mutating the
// linked-ID and contact-phone fields in place. Ambiguous or absent matches
// leave the corresponding field nil; extraction never fails.
func (x *EntityExtractor) Extract(e *CommunicationEvent) {
	if e.Content == "" {
		return
	}

	// Phone extraction runs first and its spans take precedence over any
	// entity rule that would overlap them.
	phoneSpans := x.phone.FindAllStringSubmatchIndex(e.Content, -1)
	if len(phoneSpans) > 0 {
		e.ContactPhone = e.Content[phoneSpans[0][2]:phoneSpans[0][3]]
	}

	for _, rule := range x.rules {
		for _, m := range rule.pattern.FindAllStringSubmatchIndex(e.Content, -1) {
			span := e.Content[m[0]:m[1]]
			if strings.Contains(strings.ToLower(span), "number") {
				// Disambiguates from the phone-number pattern.
				continue
			}
			if overlapsAny(m[0], m[1], phoneSpans) {
				continue
			}
			id, err := strconv.ParseInt(e.Content[m[2]:m[3]], 10, 64)
			if err != nil {
				continue
			}
			rule.assign(e, id)
			break
		}
	}
}

// ExtractAll runs extraction over a slice of events.
func (x *EntityExtractor) ExtractAll(events []*CommunicationEvent) {
	for _, e := range events {
		x.Extract(e)
	}
}

func overlapsAny(start, end int, spans [][]int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}
