// Package commlog implements the communication classification and
// automation-detection engine. It normalizes raw practice-management
// communication log rows into canonical events, extracts referenced entities
// from free-text notes, classifies category and outcome, detects
// machine-generated messages, correlates inbound replies, matches messages
// against a template catalog, and rolls results into periodic metrics.
package commlog

import (
	"fmt"
	"time"
)

// Direction indicates who initiated a communication.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionSystem   Direction = "system"
	DirectionUnknown  Direction = "unknown"
)

// Mode is the channel a communication travelled over.
type Mode string

const (
	ModeUnknown  Mode = "unknown"
	ModeEmail    Mode = "email"
	ModePhone    Mode = "phone"
	ModeLetter   Mode = "letter"
	ModeInPerson Mode = "in_person"
	ModeSMS      Mode = "sms"
)

// Category is the business topic of a communication.
type Category string

const (
	CategoryAppointment Category = "appointment"
	CategoryBilling     Category = "billing"
	CategoryClinical    Category = "clinical"
	CategoryInsurance   Category = "insurance"
	CategoryFollowUp    Category = "follow_up"
	CategoryGeneral     Category = "general"
)

// Outcome is the resolved result of a communication.
type Outcome string

const (
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeNoAnswer    Outcome = "no_answer"
	OutcomeCompleted   Outcome = "completed"
)

// Attribution distinguishes staff-attributed events from unattributed ones.
// The source system uses user_id 0 for several distinct things (true system
// automation, staff shorthand notes, batch business mail); that ambiguity is
// preserved here as a single "unattributed" bucket rather than resolved.
type Attribution string

const (
	AttributionUser         Attribution = "user"
	AttributionUnattributed Attribution = "unattributed"
)

// RawRow is one row of the raw communication log as read from the
// practice-management store. Timestamps may be zero or inverted; the
// normalizer decides what is usable.
type RawRow struct {
	ID         int64
	PatientID  int64
	UserID     int64
	OccurredAt time.Time
	EndedAt    *time.Time
	TypeCode   int
	ModeCode   int
	SentFlag   int
	Note       string
	ProgramID  *int64
}

// CommunicationEvent is the canonical, classified form of one raw
// interaction. Events are append-only: created once per raw source row and
// never mutated except by full reprocessing of their time window.
type CommunicationEvent struct {
	ID         int64
	PatientID  int64
	UserID     int64
	OccurredAt time.Time
	EndedAt    *time.Time
	Mode       Mode
	TypeCode   int
	Direction  Direction
	Content    string
	Category   Category
	Outcome    Outcome

	LinkedAppointmentID *int64
	LinkedClaimID       *int64
	LinkedProcedureID   *int64
	ContactPhone        string

	FollowUpRequired bool
	FollowUpDate     *time.Time

	ProgramID *int64
}

// Attribution reports whether the event is attributed to a staff user.
func (e *CommunicationEvent) Attribution() Attribution {
	if e.UserID == 0 {
		return AttributionUnattributed
	}
	return AttributionUser
}

// DurationMinutes returns the call duration for phone events with a valid
// end timestamp, and false otherwise. Phone is the only mode for which
// duration metrics are computed.
func (e *CommunicationEvent) DurationMinutes() (float64, bool) {
	if e.Mode != ModePhone || e.EndedAt == nil {
		return 0, false
	}
	if !e.EndedAt.After(e.OccurredAt) {
		return 0, false
	}
	return e.EndedAt.Sub(e.OccurredAt).Minutes(), true
}

// TriggerType identifies what kind of automated message was sent.
// The set is closed; unmatched content falls through to TriggerOther.
type TriggerType string

const (
	TriggerAppointmentReminder     TriggerType = "appointment_reminder"
	TriggerAppointmentConfirmation TriggerType = "appointment_confirmation"
	TriggerBrokenAppointment       TriggerType = "broken_appointment"
	TriggerBalanceNotice           TriggerType = "balance_notice"
	TriggerPatientResponse         TriggerType = "patient_response"
	TriggerPreferenceUpdate        TriggerType = "preference_update"
	TriggerReviewRequest           TriggerType = "review_request"
	TriggerFormRequest             TriggerType = "form_request"
	TriggerPostOpInstructions      TriggerType = "post_op_instructions"
	TriggerAnnualNotification      TriggerType = "annual_notification"
	TriggerDeliveryFailure         TriggerType = "delivery_failure"
	TriggerOther                   TriggerType = "other"
)

// CampaignType is an optional secondary tag grouping automated messages into
// marketing/operational campaigns.
type CampaignType string

const (
	CampaignAppointmentReminders CampaignType = "appointment_reminders"
	CampaignAccountsReceivable   CampaignType = "accounts_receivable"
	CampaignReviews              CampaignType = "reviews"
	CampaignForms                CampaignType = "forms"
	CampaignRecall               CampaignType = "recall"
)

// FlagStatus is the delivery/response status derived from an event's outcome.
type FlagStatus string

const (
	StatusSent              FlagStatus = "sent"
	StatusRespondedPositive FlagStatus = "responded_positive"
	StatusRespondedNegative FlagStatus = "responded_negative"
	StatusUndelivered       FlagStatus = "undelivered"
)

// AutomationSignal records which heuristic fired for an automated event.
type AutomationSignal string

const (
	SignalIndicator AutomationSignal = "indicator"
	SignalProgram   AutomationSignal = "program"
	SignalBatch     AutomationSignal = "batch"
	SignalNone      AutomationSignal = "none"
)

// AutomationFlag is the automation assessment of one outbound event.
// Flags are derived rows, rebuilt deterministically from events; they may be
// deleted and regenerated for any reprocessed window.
type AutomationFlag struct {
	CommunicationID int64
	IsAutomated     bool
	Signal          AutomationSignal
	TriggerType     TriggerType
	CampaignType    CampaignType
	Status          FlagStatus

	// Engagement counts are content-pattern estimates, not provider webhooks.
	// All but ReplyCount are forced to 0 for non-email modes.
	OpenCount   int
	ClickCount  int
	ReplyCount  int
	BounceCount int
}

// TemplateType is the channel a template targets.
type TemplateType string

const (
	TemplateEmail  TemplateType = "email"
	TemplateSMS    TemplateType = "sms"
	TemplateLetter TemplateType = "letter"
)

// Template is one entry of the message template catalog.
type Template struct {
	ID        int64
	Name      string
	Type      TemplateType
	Category  Category
	Subject   string
	Content   string
	Variables []string
	IsActive  bool
	UpdatedAt time.Time
}

// Validate checks the template's structural invariants: email templates need
// a subject, SMS templates need content.
func (t *Template) Validate() error {
	if t.Type == TemplateEmail && t.Subject == "" {
		return fmt.Errorf("template %d: subject required for email templates", t.ID)
	}
	if t.Type == TemplateSMS && t.Content == "" {
		return fmt.Errorf("template %d: content required for sms templates", t.ID)
	}
	return nil
}

// MatchedVia records which matcher rule selected a template.
type MatchedVia string

const (
	MatchedBySimilarity   MatchedVia = "similarity"
	MatchedByCategoryMode MatchedVia = "category_mode"
)

// TemplateMatch links a classified event to a catalog template. It is
// consumed only by downstream reporting; automation flags do not depend on it.
type TemplateMatch struct {
	CommunicationID int64
	TemplateID      int64
	Similarity      float64
	MatchedVia      MatchedVia
}

// MetricsBucket is one aggregate row: counts and rates for a
// (date, user, type code, direction, category) group.
type MetricsBucket struct {
	Date      string // YYYY-MM-DD
	UserID    int64
	TypeCode  int
	Direction Direction
	Category  Category

	TotalCount      int
	SuccessfulCount int
	FailedCount     int

	AverageDurationMinutes *float64
	ResponseRate           *float64
	ConversionRate         *float64
}

// Validate checks the bucket's arithmetic invariants: total equals
// successful plus failed, and all rates lie in [0,1].
func (b *MetricsBucket) Validate() error {
	if b.TotalCount != b.SuccessfulCount+b.FailedCount {
		return fmt.Errorf("bucket %s/%d: total %d != successful %d + failed %d",
			b.Date, b.UserID, b.TotalCount, b.SuccessfulCount, b.FailedCount)
	}
	for name, rate := range map[string]*float64{
		"response_rate":   b.ResponseRate,
		"conversion_rate": b.ConversionRate,
	} {
		if rate != nil && (*rate < 0 || *rate > 1) {
			return fmt.Errorf("bucket %s/%d: %s %v out of [0,1]", b.Date, b.UserID, name, *rate)
		}
	}
	return nil
}

// ParseMode maps a source mode code to a Mode.
func ParseMode(code int) Mode {
	switch code {
	case 1:
		return ModeEmail
	case 2:
		return ModePhone
	case 3:
		return ModeLetter
	case 4:
		return ModeInPerson
	case 5:
		return ModeSMS
	default:
		return ModeUnknown
	}
}

// ParseDirection maps a source sent flag to a Direction.
// The mapping is fixed: 2 is outbound, 1 inbound, 0 system, anything else unknown.
func ParseDirection(sentFlag int) Direction {
	switch sentFlag {
	case 2:
		return DirectionOutbound
	case 1:
		return DirectionInbound
	case 0:
		return DirectionSystem
	default:
		return DirectionUnknown
	}
}
