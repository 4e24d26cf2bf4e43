package commlog

import (
	"context"
	"strings"
	"time"

	"github.com/practicepulse/commlog-engine/pkg/logging"
)

// BatchCounter reports how many distinct other patients received
// byte-identical content within the given window around at, excluding the
// event row itself so an event can never batch-match against itself.
type BatchCounter interface {
	CountIdenticalNearby(ctx context.Context, eventID, patientID int64, content string, at time.Time, window time.Duration) (int, error)
}

// DefaultBatchWindow is the half-width of the identical-content window.
const DefaultBatchWindow = 5 * time.Minute

// DefaultBatchPatientThreshold is the distinct-patient count that must be
// exceeded (strictly) for the batch signal to fire.
const DefaultBatchPatientThreshold = 3

// AutomationDetector flags outbound events as machine-generated using three
// independent signals: content indicators, system-program association, and
// batch duplicate detection. It also assigns trigger and campaign types and
// derives the delivery status and engagement estimates.
type AutomationDetector struct {
	counter          BatchCounter
	batchWindow      time.Duration
	patientThreshold int
	logger           logging.Logger

	indicators    []string
	triggerRules  []triggerRule
	campaignRules []campaignRule
}

type triggerRule struct {
	trigger  TriggerType
	keywords []string
}

type campaignRule struct {
	campaign CampaignType
	keywords []string
}

// NewAutomationDetector creates a detector. counter may be nil, in which
// case the batch signal is disabled and only indicator/program signals apply.
func NewAutomationDetector(counter BatchCounter, logger logging.Logger) *AutomationDetector {
	return &AutomationDetector{
		counter:          counter,
		batchWindow:      DefaultBatchWindow,
		patientThreshold: DefaultBatchPatientThreshold,
		logger:           logger.With(logging.F("component", "automation_detector")),

		// Content indicators of machine authorship: vendor signatures,
		// unsubscribe footers, templated salutations.
		indicators: []string{
			"sent via pbn",
			"[pbn]",
			"practice by numbers",
			"this is an automated",
			"automated message",
			"auto-generated",
			"do not reply",
			"do-not-reply",
			"unsubscribe",
			"reply stop",
			"txt stop",
			"opt out",
			"opt-out",
			"dear valued patient",
		},

		// Trigger rules replicate the source system's CASE ordering exactly.
		// Keyword sets overlap ("confirm" appears in both reminder and
		// confirmation rules); the order resolves the overlap and is part of
		// the contract.
		triggerRules: []triggerRule{
			{TriggerAppointmentReminder, []string{"remind", "upcoming appointment", "scheduled for", "don't forget", "see you soon"}},
			{TriggerAppointmentConfirmation, []string{"confirm", "is confirmed", "confirmation"}},
			{TriggerBrokenAppointment, []string{"missed your appointment", "broken appointment", "no-show", "no show", "missed appointment"}},
			{TriggerBalanceNotice, []string{"balance", "amount due", "past due", "statement", "outstanding"}},
			{TriggerPatientResponse, []string{"we received your", "thank you for your response", "thanks for your reply", "received your message"}},
			{TriggerPreferenceUpdate, []string{"preference", "unsubscribe", "opt out", "opt-out", "contact settings"}},
			{TriggerReviewRequest, []string{"review", "feedback", "rate your", "rate us"}},
			{TriggerFormRequest, []string{"form", "paperwork", "complete the attached", "registration"}},
			{TriggerPostOpInstructions, []string{"post-op", "post op", "after your procedure", "care instructions", "recovery"}},
			{TriggerAnnualNotification, []string{"annual", "yearly", "it's been a year", "due for your"}},
			{TriggerDeliveryFailure, []string{"undeliverable", "delivery failed", "bounced", "failed to deliver", "invalid address"}},
		},

		campaignRules: []campaignRule{
			{CampaignAppointmentReminders, []string{"remind", "upcoming appointment", "scheduled for", "confirm your appointment"}},
			{CampaignAccountsReceivable, []string{"balance", "amount due", "past due", "statement"}},
			{CampaignReviews, []string{"review", "feedback", "rate us"}},
			{CampaignForms, []string{"form", "paperwork", "registration"}},
			{CampaignRecall, []string{"due for your", "overdue for", "time for your cleaning", "recall"}},
		},
	}
}

// WithBatchWindow overrides the batch detection window half-width.
func (d *AutomationDetector) WithBatchWindow(w time.Duration) *AutomationDetector {
	if w > 0 {
		d.batchWindow = w
	}
	return d
}

// WithPatientThreshold overrides the distinct-patient threshold.
func (d *AutomationDetector) WithPatientThreshold(n int) *AutomationDetector {
	if n > 0 {
		d.patientThreshold = n
	}
	return d
}

// Detect produces the automation flag for an outbound event. Non-outbound
// events have no flag and return (nil, nil). A batch-counter failure
// degrades to indicator/program signals only; it never fails the event.
func (d *AutomationDetector) Detect(ctx context.Context, e *CommunicationEvent) (*AutomationFlag, error) {
	if e.Direction != DirectionOutbound {
		return nil, nil
	}

	content := strings.ToLower(e.Content)

	flag := &AutomationFlag{
		CommunicationID: e.ID,
		Signal:          SignalNone,
		TriggerType:     d.classifyTrigger(content),
		CampaignType:    d.classifyCampaign(content),
		Status:          statusFromOutcome(e.Outcome),
	}

	switch {
	case containsAny(content, d.indicators):
		flag.IsAutomated = true
		flag.Signal = SignalIndicator
	case e.ProgramID != nil:
		flag.IsAutomated = true
		flag.Signal = SignalProgram
	default:
		if batched := d.batchSignal(ctx, e); batched {
			flag.IsAutomated = true
			flag.Signal = SignalBatch
		}
	}

	d.estimateEngagement(e, content, flag)

	return flag, nil
}

// batchSignal reports whether more than patientThreshold distinct patients
// received byte-identical content within the batch window. The count from
// the counter covers other patients; the event's own patient is added back
// before comparing against the threshold.
func (d *AutomationDetector) batchSignal(ctx context.Context, e *CommunicationEvent) bool {
	if d.counter == nil || strings.TrimSpace(e.Content) == "" {
		return false
	}

	others, err := d.counter.CountIdenticalNearby(ctx, e.ID, e.PatientID, e.Content, e.OccurredAt, d.batchWindow)
	if err != nil {
		// Degraded mode: the batch signal is dropped for this event while
		// indicator and program signals still apply.
		d.logger.Warn("batch duplicate query failed, batch signal disabled for event",
			logging.F("event_id", e.ID),
			logging.Err(err),
		)
		return false
	}

	return others+1 > d.patientThreshold
}

func (d *AutomationDetector) classifyTrigger(content string) TriggerType {
	for _, rule := range d.triggerRules {
		if containsAny(content, rule.keywords) {
			return rule.trigger
		}
	}
	return TriggerOther
}

func (d *AutomationDetector) classifyCampaign(content string) CampaignType {
	for _, rule := range d.campaignRules {
		if containsAny(content, rule.keywords) {
			return rule.campaign
		}
	}
	return ""
}

// statusFromOutcome derives the flag status from the classified outcome.
func statusFromOutcome(outcome Outcome) FlagStatus {
	switch outcome {
	case OutcomeConfirmed, OutcomeRescheduled:
		return StatusRespondedPositive
	case OutcomeCancelled:
		return StatusRespondedNegative
	case OutcomeNoAnswer:
		return StatusUndelivered
	default:
		return StatusSent
	}
}

var bounceKeywords = []string{"undeliverable", "delivery failed", "bounced", "failed to deliver", "mailbox full", "invalid address"}

// estimateEngagement fills the engagement counts from content patterns.
// These are estimates, not provider webhooks, and all but reply_count are
// forced to 0 for non-email modes.
func (d *AutomationDetector) estimateEngagement(e *CommunicationEvent, content string, flag *AutomationFlag) {
	if e.Mode != ModeEmail {
		return
	}

	if containsAny(content, bounceKeywords) {
		flag.BounceCount = 1
		return
	}

	if flag.Status == StatusRespondedPositive || flag.Status == StatusRespondedNegative {
		flag.OpenCount = 1
	}
	if flag.OpenCount == 1 && flag.Status == StatusRespondedPositive &&
		(strings.Contains(content, "http://") || strings.Contains(content, "https://")) {
		flag.ClickCount = 1
	}
}
