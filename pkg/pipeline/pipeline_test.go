package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/practicepulse/commlog-engine/config"
	"github.com/practicepulse/commlog-engine/pkg/commlog"
	pperrors "github.com/practicepulse/commlog-engine/pkg/errors"
	"github.com/practicepulse/commlog-engine/pkg/logging"
)

// writtenWindow is the snapshot of one ReplaceWindow call.
type writtenWindow struct {
	from, to     time.Time
	events       []*commlog.CommunicationEvent
	flags        []commlog.AutomationFlag
	matches      []commlog.TemplateMatch
	buckets      []commlog.MetricsBucket
	replyUpdates []int64
}

// fakeStore mimics the repository's committed state: events and flags from
// earlier ReplaceWindow calls stay visible to the read paths, the way rows
// committed by earlier runs do in Postgres.
type fakeStore struct {
	mu sync.Mutex

	rows         []commlog.RawRow
	templates    []commlog.Template
	fetchErr     error
	templatesErr error
	writeErr     error

	watermarks map[string]time.Time
	events     map[int64]*commlog.CommunicationEvent
	flags      map[int64]*commlog.AutomationFlag
	writes     []writtenWindow
}

func newFakeStore(rows []commlog.RawRow) *fakeStore {
	return &fakeStore{
		rows:       rows,
		watermarks: make(map[string]time.Time),
		events:     make(map[int64]*commlog.CommunicationEvent),
		flags:      make(map[int64]*commlog.AutomationFlag),
	}
}

func (s *fakeStore) FetchRawRows(_ context.Context, from, to time.Time, limit int) ([]commlog.RawRow, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []commlog.RawRow
	for _, r := range s.rows {
		if r.OccurredAt.After(from) && !r.OccurredAt.After(to) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) CountIdenticalNearby(_ context.Context, eventID, patientID int64, content string, at time.Time, window time.Duration) (int, error) {
	patients := make(map[int64]bool)
	for _, r := range s.rows {
		if r.ID == eventID || r.PatientID == patientID || r.SentFlag != 2 || r.Note != content {
			continue
		}
		if r.OccurredAt.Before(at.Add(-window)) || r.OccurredAt.After(at.Add(window)) {
			continue
		}
		patients[r.PatientID] = true
	}
	return len(patients), nil
}

func (s *fakeStore) ListActiveTemplates(context.Context) ([]commlog.Template, error) {
	if s.templatesErr != nil {
		return nil, s.templatesErr
	}
	return s.templates, nil
}

func (s *fakeStore) ListRecentOutbound(_ context.Context, from, to time.Time) ([]*commlog.CommunicationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*commlog.CommunicationEvent
	for _, e := range s.events {
		if e.Direction != commlog.DirectionOutbound {
			continue
		}
		if e.Mode != commlog.ModeEmail && e.Mode != commlog.ModeSMS {
			continue
		}
		if e.OccurredAt.After(from) && !e.OccurredAt.After(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ListDayEvents(_ context.Context, from, to time.Time) ([]*commlog.CommunicationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dayStart := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	dayEnd := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, to.Location()).AddDate(0, 0, 1)
	var out []*commlog.CommunicationEvent
	for _, e := range s.events {
		if e.OccurredAt.Before(dayStart) || !e.OccurredAt.Before(dayEnd) {
			continue
		}
		if e.OccurredAt.After(from) && !e.OccurredAt.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) GetWatermark(_ context.Context, stream string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[stream], nil
}

func (s *fakeStore) ReplaceWindow(_ context.Context, stream string, from, to time.Time,
	events []*commlog.CommunicationEvent, flags []commlog.AutomationFlag,
	matches []commlog.TemplateMatch, buckets []commlog.MetricsBucket,
	replyUpdates []int64,
) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, writtenWindow{from, to, events, flags, matches, buckets, replyUpdates})

	for id, e := range s.events {
		if e.OccurredAt.After(from) && !e.OccurredAt.After(to) {
			delete(s.events, id)
			delete(s.flags, id)
		}
	}
	for _, e := range events {
		s.events[e.ID] = e
	}
	for i := range flags {
		f := flags[i]
		s.flags[f.CommunicationID] = &f
	}
	for _, id := range replyUpdates {
		if f, ok := s.flags[id]; ok {
			f.ReplyCount = 1
		}
	}

	if to.After(s.watermarks[stream]) {
		s.watermarks[stream] = to
	}
	return nil
}

func testConfig() config.PipelineConfig {
	return config.Default().Pipeline
}

func testClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func parseTS(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func sampleRows(t *testing.T) []commlog.RawRow {
	base := parseTS(t, "2025-06-01 09:00:00")
	pid := int64(95)
	return []commlog.RawRow{
		{ID: 1, PatientID: 10, UserID: 0, OccurredAt: base, TypeCode: 224, ModeCode: 5, SentFlag: 2,
			Note: "Your appointment is scheduled for 6/2 at 10:00, reply C to confirm", ProgramID: &pid},
		{ID: 2, PatientID: 10, UserID: 0, OccurredAt: base.Add(26 * time.Hour), TypeCode: 224, ModeCode: 5, SentFlag: 1,
			Note: "C"},
		{ID: 3, PatientID: 11, UserID: 7, OccurredAt: base.Add(time.Hour), TypeCode: 0, ModeCode: 2, SentFlag: 2,
			Note: "Called patient about balance due, left message"},
		// Malformed: zero occurred_at.
		{ID: 4, PatientID: 12, UserID: 7, TypeCode: 0, ModeCode: 1, SentFlag: 2, Note: "broken row"},
	}
}

func TestRun_EndToEnd(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	now := parseTS(t, "2025-06-03 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	result, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.RowsRead != 4 {
		t.Errorf("RowsRead = %d, want 4", result.RowsRead)
	}
	if result.RowsSkipped != 1 {
		t.Errorf("RowsSkipped = %d, want 1", result.RowsSkipped)
	}
	if result.Events != 3 {
		t.Errorf("Events = %d, want 3", result.Events)
	}
	// Two outbound events get flags; the inbound reply does not.
	if result.Flags != 2 {
		t.Errorf("Flags = %d, want 2", result.Flags)
	}
	// The program-driven reminder is automated; the manual call is not.
	if result.Automated != 1 {
		t.Errorf("Automated = %d, want 1", result.Automated)
	}

	if len(store.writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(store.writes))
	}
	wm, _ := store.GetWatermark(context.Background(), "commlog")
	if !wm.Equal(now) {
		t.Errorf("watermark = %v, want %v", wm, now)
	}
}

func TestRun_ReplyCorrelation(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	now := parseTS(t, "2025-06-03 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	if _, err := p.Run(context.Background(), false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var reminder *commlog.AutomationFlag
	for i := range store.writes[0].flags {
		if store.writes[0].flags[i].CommunicationID == 1 {
			reminder = &store.writes[0].flags[i]
		}
	}
	if reminder == nil {
		t.Fatal("no flag written for the reminder event")
	}
	if reminder.ReplyCount != 1 {
		t.Errorf("ReplyCount = %d, want 1 (inbound SMS 26h later)", reminder.ReplyCount)
	}
	if !reminder.IsAutomated || reminder.Signal != commlog.SignalProgram {
		t.Errorf("flag = %+v, want automated via program signal", reminder)
	}
}

// Reprocessing the same window must produce byte-identical derived output.
func TestReprocess_Idempotent(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	now := parseTS(t, "2025-06-03 00:00:00")
	from := parseTS(t, "2025-06-01 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	if _, err := p.Reprocess(context.Background(), from, now, false); err != nil {
		t.Fatalf("first Reprocess() error = %v", err)
	}
	if _, err := p.Reprocess(context.Background(), from, now, false); err != nil {
		t.Fatalf("second Reprocess() error = %v", err)
	}

	if len(store.writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(store.writes))
	}
	first, second := store.writes[0], store.writes[1]
	if !reflect.DeepEqual(first.events, second.events) {
		t.Error("events differ between identical runs")
	}
	if !reflect.DeepEqual(first.flags, second.flags) {
		t.Error("flags differ between identical runs")
	}
	if !reflect.DeepEqual(first.buckets, second.buckets) {
		t.Error("buckets differ between identical runs")
	}
}

func TestReprocess_RejectsEmptyWindow(t *testing.T) {
	store := newFakeStore(nil)
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop())

	at := parseTS(t, "2025-06-01 00:00:00")
	if _, err := p.Reprocess(context.Background(), at, at, false); !pperrors.IsValidation(err) {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	now := parseTS(t, "2025-06-03 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	result, err := p.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.DryRun {
		t.Error("result not marked dry-run")
	}
	if result.Events != 3 {
		t.Errorf("Events = %d, want 3 (dry run still classifies)", result.Events)
	}
	if len(store.writes) != 0 {
		t.Errorf("got %d writes, want 0", len(store.writes))
	}
	wm, _ := store.GetWatermark(context.Background(), "commlog")
	if !wm.IsZero() {
		t.Errorf("watermark advanced to %v on a dry run", wm)
	}
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (func(), error) {
	return nil, fmt.Errorf("stream commlog: %w", pperrors.ErrLockHeld)
}

func TestRun_LockHeld(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	p := New(store, heldLocker{}, testConfig(), logging.NewNop())

	_, err := p.Run(context.Background(), false)
	if pperrors.CodeOf(err) != pperrors.ErrCodeLockUnavailable {
		t.Errorf("error code = %q, want LOCK_UNAVAILABLE (err: %v)", pperrors.CodeOf(err), err)
	}
	if len(store.writes) != 0 {
		t.Error("a run that never held the lock wrote output")
	}
}

func TestRun_SourceReadFailure(t *testing.T) {
	store := newFakeStore(nil)
	store.fetchErr = errors.New("connection refused")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop())

	_, err := p.Run(context.Background(), false)
	if pperrors.CodeOf(err) != pperrors.ErrCodeSourceReadFailed {
		t.Errorf("error code = %q, want SOURCE_READ_FAILED", pperrors.CodeOf(err))
	}
}

func TestRun_CancelledBeforeWrite(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	now := parseTS(t, "2025-06-03 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx, false)
	if pperrors.CodeOf(err) != pperrors.ErrCodeCancelled {
		t.Errorf("error code = %q, want CANCELLED (err: %v)", pperrors.CodeOf(err), err)
	}
	if len(store.writes) != 0 {
		t.Error("cancelled run wrote output")
	}
	wm, _ := store.GetWatermark(context.Background(), "commlog")
	if !wm.IsZero() {
		t.Error("cancelled run advanced the watermark")
	}
}

// A template catalog failure degrades to a run without matches.
func TestRun_TemplateCatalogFailureDegrades(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	store.templatesErr = errors.New("relation does not exist")
	now := parseTS(t, "2025-06-03 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	result, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Matches != 0 {
		t.Errorf("Matches = %d, want 0", result.Matches)
	}
	if len(store.writes) != 1 {
		t.Errorf("got %d writes, want 1", len(store.writes))
	}
}

func TestRun_TemplateMatching(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	store.templates = []commlog.Template{
		{
			ID: 40, Name: "Reminder SMS", Type: commlog.TemplateSMS,
			Category:  commlog.CategoryAppointment,
			Content:   "Your appointment is scheduled for {date} at {time}, reply C to confirm",
			IsActive:  true,
			UpdatedAt: parseTS(t, "2025-01-01 00:00:00"),
		},
	}
	now := parseTS(t, "2025-06-03 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	result, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Matches < 1 {
		t.Fatalf("Matches = %d, want at least 1", result.Matches)
	}
	match := store.writes[0].matches[0]
	if match.TemplateID != 40 || match.CommunicationID != 1 {
		t.Errorf("match = %+v, want template 40 on event 1", match)
	}
}

func TestRun_WriteFailureReturnsCode(t *testing.T) {
	store := newFakeStore(sampleRows(t))
	store.writeErr = pperrors.NewPipelineError(pperrors.ErrCodeWindowWriteFailed, "write",
		errors.New("deadlock detected"))
	now := parseTS(t, "2025-06-03 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	_, err := p.Run(context.Background(), false)
	if pperrors.CodeOf(err) != pperrors.ErrCodeWindowWriteFailed {
		t.Errorf("error code = %q, want WINDOW_WRITE_FAILED", pperrors.CodeOf(err))
	}
	wm, _ := store.GetWatermark(context.Background(), "commlog")
	if !wm.IsZero() {
		t.Error("failed write advanced the watermark")
	}
}

func TestRun_BatchLimitCapsRead(t *testing.T) {
	base := parseTS(t, "2025-06-01 09:00:00")
	var rows []commlog.RawRow
	for i := 0; i < 20; i++ {
		rows = append(rows, commlog.RawRow{
			ID: int64(i + 1), PatientID: int64(i + 1), UserID: 7,
			OccurredAt: base.Add(time.Duration(i) * time.Minute),
			ModeCode:   2, SentFlag: 2, Note: "called patient",
		})
	}
	store := newFakeStore(rows)

	cfg := testConfig()
	cfg.BatchLimit = 5
	now := parseTS(t, "2025-06-02 00:00:00")
	p := New(store, NoopLocker{}, cfg, logging.NewNop()).WithClock(testClock(now))

	result, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// The 5th row shares the window's final timestamp and is deferred so
	// the watermark never jumps past unread rows.
	if result.RowsRead != 4 {
		t.Errorf("RowsRead = %d, want 4", result.RowsRead)
	}
	wm, _ := store.GetWatermark(context.Background(), "commlog")
	if !wm.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("watermark = %v, want %v", wm, base.Add(3*time.Minute))
	}

	// The next run picks up where the capped one stopped.
	cfg.BatchLimit = 100
	p2 := New(store, NoopLocker{}, cfg, logging.NewNop()).WithClock(testClock(now))
	result2, err := p2.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if result2.RowsRead != 16 {
		t.Errorf("second RowsRead = %d, want 16", result2.RowsRead)
	}
}

// Two incremental runs splitting one calendar day must leave that day's
// buckets counting all of the day's events, not just the later window's.
func TestRun_PartialDayBucketsKeepEarlierCounts(t *testing.T) {
	base := parseTS(t, "2025-06-01 09:00:00")
	rows := []commlog.RawRow{
		{ID: 1, PatientID: 10, UserID: 7, OccurredAt: base, ModeCode: 2, SentFlag: 2,
			Note: "Called patient about upcoming visit"},
		{ID: 2, PatientID: 11, UserID: 7, OccurredAt: base.Add(6 * time.Hour), ModeCode: 2, SentFlag: 2,
			Note: "Called patient about lab results"},
	}
	store := newFakeStore(rows)
	cfg := testConfig()

	noon := parseTS(t, "2025-06-01 12:00:00")
	p1 := New(store, NoopLocker{}, cfg, logging.NewNop()).WithClock(testClock(noon))
	if _, err := p1.Run(context.Background(), false); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	evening := parseTS(t, "2025-06-01 18:00:00")
	p2 := New(store, NoopLocker{}, cfg, logging.NewNop()).WithClock(testClock(evening))
	if _, err := p2.Run(context.Background(), false); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if len(store.writes) != 2 {
		t.Fatalf("got %d writes, want 2", len(store.writes))
	}
	var total int
	for _, b := range store.writes[1].buckets {
		if b.Date == "2025-06-01" {
			total += b.TotalCount
		}
	}
	if total != 2 {
		t.Errorf("day total = %d, want 2 (the morning event must survive the evening window)", total)
	}
}

// A reply arriving after an outbound event's window was committed must still
// reach that event's flag on a later run.
func TestRun_LateReplyBackfillsEarlierWindow(t *testing.T) {
	base := parseTS(t, "2025-06-01 10:00:00")
	pid := int64(95)
	rows := []commlog.RawRow{
		{ID: 1, PatientID: 10, UserID: 0, OccurredAt: base, TypeCode: 224, ModeCode: 5, SentFlag: 2,
			Note: "Your appointment is scheduled for 6/2 at 10:00, reply C to confirm", ProgramID: &pid},
	}
	store := newFakeStore(rows)
	cfg := testConfig()

	p1 := New(store, NoopLocker{}, cfg, logging.NewNop()).
		WithClock(testClock(base.Add(5 * time.Minute)))
	if _, err := p1.Run(context.Background(), false); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if f := store.flags[1]; f == nil || f.ReplyCount != 0 {
		t.Fatalf("flag after first run = %+v, want ReplyCount 0", f)
	}

	// The patient replies a day later, long after the first window closed.
	store.rows = append(store.rows, commlog.RawRow{
		ID: 2, PatientID: 10, UserID: 0, OccurredAt: base.Add(24 * time.Hour),
		TypeCode: 224, ModeCode: 5, SentFlag: 1, Note: "C",
	})

	p2 := New(store, NoopLocker{}, cfg, logging.NewNop()).
		WithClock(testClock(base.Add(48 * time.Hour)))
	result, err := p2.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if result.ReplyUpdates != 1 {
		t.Errorf("ReplyUpdates = %d, want 1", result.ReplyUpdates)
	}
	if f := store.flags[1]; f == nil || f.ReplyCount != 1 {
		t.Errorf("flag for event 1 = %+v, want ReplyCount 1 after the late reply", f)
	}
}

// Duplicate ids inside one batch must not collapse two flags onto one slot.
func TestRun_DuplicateRowIDsKeepAllFlags(t *testing.T) {
	base := parseTS(t, "2025-06-01 09:00:00")
	rows := []commlog.RawRow{
		{ID: 7, PatientID: 10, UserID: 3, OccurredAt: base, ModeCode: 2, SentFlag: 2,
			Note: "Called patient about balance"},
		{ID: 7, PatientID: 11, UserID: 3, OccurredAt: base.Add(time.Minute), ModeCode: 2, SentFlag: 2,
			Note: "Called patient about refill"},
	}
	store := newFakeStore(rows)
	now := parseTS(t, "2025-06-02 00:00:00")
	p := New(store, NoopLocker{}, testConfig(), logging.NewNop()).WithClock(testClock(now))

	result, err := p.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Flags != 2 {
		t.Errorf("Flags = %d, want 2 (one per outbound row)", result.Flags)
	}
	if got := len(store.writes[0].flags); got != 2 {
		t.Errorf("wrote %d flags, want 2", got)
	}
}
