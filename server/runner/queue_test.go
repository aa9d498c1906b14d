package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/logger"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/engine"
	"github.com/THPTUHA/careflow/server/messaging"
	"github.com/THPTUHA/careflow/server/storage"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sender struct {
	mu   sync.Mutex
	fail bool
	sent []messaging.Message
}

func (s *sender) Send(ctx context.Context, msg messaging.Message) (messaging.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return messaging.SendResult{Success: false, Error: "provider down"}, nil
	}
	s.sent = append(s.sent, msg)
	return messaging.SendResult{Success: true, ProviderMessageID: fmt.Sprintf("m-%d", len(s.sent))}, nil
}

func (s *sender) Sent() []messaging.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.Message(nil), s.sent...)
}

type recorder struct {
	mu     sync.Mutex
	events []messaging.JobEvent
}

func (r *recorder) Publish(ev messaging.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// flaky fails the first n runs with a plain error, then delegates.
type flaky struct {
	mu    sync.Mutex
	n     int
	calls int
	next  Executor
}

func (f *flaky) Execute(ctx context.Context, run engine.Run, opts engine.Options) (*engine.Result, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.n
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.next.Execute(ctx, run, opts)
}

const smsFlow = `{
	"nodes": [
		{"id": "t", "type": "trigger", "data": {"triggerType": "surgery_completed"}},
		{"id": "sms", "type": "action", "data": {"actionType": "send_sms", "messageTemplate": "Hello {{patient_name}}, {{surgery_type}} follow up"}}
	],
	"edges": [{"source": "t", "target": "sms"}]
}`

const delayFlow = `{
	"nodes": [
		{"id": "t", "type": "trigger", "data": {"triggerType": "surgery_completed"}},
		{"id": "d", "type": "delay", "data": {"unit": "days", "amount": 3}},
		{"id": "sms", "type": "action", "data": {"actionType": "send_sms", "messageTemplate": "Day three check"}}
	],
	"edges": [{"source": "t", "target": "d"}, {"source": "d", "target": "sms"}]
}`

const windowDelayFlow = `{
	"nodes": [
		{"id": "t", "type": "trigger", "data": {"triggerType": "surgery_completed"}},
		{"id": "w", "type": "time_window", "data": {"startHour": 9, "endHour": 18}},
		{"id": "d", "type": "delay", "data": {"unit": "days", "amount": 1}},
		{"id": "sms", "type": "action", "data": {"actionType": "send_sms", "messageTemplate": "Day one check"}}
	],
	"edges": [{"source": "t", "target": "w"}, {"source": "w", "target": "d"}, {"source": "d", "target": "sms"}]
}`

// chainFlow sends on days 1, 3 and 7 through delays of 1, 2 and 4 days.
const chainFlow = `{
	"nodes": [
		{"id": "t", "type": "trigger", "data": {"triggerType": "surgery_completed"}},
		{"id": "d1", "type": "delay", "data": {"unit": "days", "amount": 1}},
		{"id": "day1", "type": "action", "data": {"actionType": "send_sms", "messageTemplate": "day 1"}},
		{"id": "d3", "type": "delay", "data": {"unit": "days", "amount": 2}},
		{"id": "day3", "type": "action", "data": {"actionType": "send_sms", "messageTemplate": "day 3"}},
		{"id": "d7", "type": "delay", "data": {"unit": "days", "amount": 4}},
		{"id": "day7", "type": "action", "data": {"actionType": "send_sms", "messageTemplate": "day 7"}}
	],
	"edges": [
		{"source": "t", "target": "d1"}, {"source": "d1", "target": "day1"},
		{"source": "day1", "target": "d3"}, {"source": "d3", "target": "day3"},
		{"source": "day3", "target": "d7"}, {"source": "d7", "target": "day7"}
	]
}`

// blocking holds every run until its context ends.
type blocking struct {
	mu    sync.Mutex
	calls int
}

func (b *blocking) Execute(ctx context.Context, run engine.Run, opts engine.Options) (*engine.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	queue  *Queue
	store  *storage.Memory
	engine *engine.Engine
	sender *sender
	events *recorder
	clock  *clock
}

func newFixture(t *testing.T, wrap func(Executor) Executor) *fixture {
	t.Helper()
	mem, err := storage.NewMemory(logger.Discard())
	require.NoError(t, err)

	f := &fixture{store: mem, sender: &sender{}, events: &recorder{}, clock: &clock{now: start}}
	mem.SetClock(f.clock.Now)

	n := 0
	f.engine = engine.New(mem, f.sender,
		engine.WithClock(f.clock.Now),
		engine.WithIDGenerator(func() string { n++; return fmt.Sprintf("ex-%d", n) }),
	)
	var exec Executor = f.engine
	if wrap != nil {
		exec = wrap(exec)
	}

	f.queue, err = NewQueue(mem, exec, QueueConfig{
		ClaimLimit:     10,
		MaxRetries:     3,
		MaxConcurrency: 4,
		StuckAfter:     10 * time.Minute,
		Backoff:        BackoffConfig{Min: time.Second, Max: time.Minute, Factor: 2},
	}, logger.Discard(), WithQueueClock(f.clock.Now), WithPublisher(f.events))
	require.NoError(t, err)
	t.Cleanup(func() {
		f.queue.Close()
		mem.Close()
	})

	require.NoError(t, mem.Load(storage.Seed{
		Workflows: []*models.Workflow{
			{ID: "wf-sms", OwnerID: "clinic-1", Name: "sms", IsActive: true, Definition: models.JSONB(smsFlow)},
			{ID: "wf-delay", OwnerID: "clinic-1", Name: "delay", IsActive: true, Definition: models.JSONB(delayFlow)},
			{ID: "wf-window-delay", OwnerID: "clinic-1", Name: "window then delay", IsActive: true, Definition: models.JSONB(windowDelayFlow)},
			{ID: "wf-chain", OwnerID: "clinic-1", Name: "day 1, 3, 7", IsActive: true, Definition: models.JSONB(chainFlow)},
		},
		Patients: []*models.Patient{
			{ID: "p-1", OwnerID: "clinic-1", Name: "Kim Minji", Phone: "010-1111-2222"},
			{ID: "p-2", OwnerID: "clinic-1", Name: "Lee Jun", Phone: "010-3333-4444"},
		},
		Appointments: []*models.Appointment{
			{ID: "a-1", OwnerID: "clinic-1", PatientID: "p-1", AppointmentDate: start.AddDate(0, 0, -1), Status: models.AppointmentCompleted, SurgeryType: "cataract"},
			{ID: "a-2", OwnerID: "clinic-1", PatientID: "p-2", AppointmentDate: start.AddDate(0, 0, -1), Status: models.AppointmentCompleted, SurgeryType: "lasik"},
		},
	}))
	return f
}

func (f *fixture) enqueue(t *testing.T, wf, patient, appt string, c workflow.ExecutionContext, opts Options) string {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), EnqueueRequest{
		WorkflowID: wf, PatientID: patient, AppointmentID: appt, Context: c, Options: opts,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) job(t *testing.T, id string) *models.WorkflowJob {
	t.Helper()
	job, err := f.queue.JobStatus(context.Background(), id)
	require.NoError(t, err)
	return job
}

func intp(n int) *int { return &n }

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"no workflow", EnqueueRequest{PatientID: "p-1", AppointmentID: "a-1"}},
		{"no patient", EnqueueRequest{WorkflowID: "wf-sms", AppointmentID: "a-1"}},
		{"no appointment", EnqueueRequest{WorkflowID: "wf-sms", PatientID: "p-1"}},
		{"unknown priority", EnqueueRequest{WorkflowID: "wf-sms", PatientID: "p-1", AppointmentID: "a-1",
			Options: Options{Priority: "urgent"}}},
		{"negative retries", EnqueueRequest{WorkflowID: "wf-sms", PatientID: "p-1", AppointmentID: "a-1",
			Options: Options{MaxRetries: intp(-1)}}},
		{"negative timeout", EnqueueRequest{WorkflowID: "wf-sms", PatientID: "p-1", AppointmentID: "a-1",
			Options: Options{Timeout: -time.Second}}},
		{"timeout reaching the stuck threshold", EnqueueRequest{WorkflowID: "wf-sms", PatientID: "p-1", AppointmentID: "a-1",
			Options: Options{Timeout: 10 * time.Minute}}},
		{"timeout past the stuck threshold", EnqueueRequest{WorkflowID: "wf-sms", PatientID: "p-1", AppointmentID: "a-1",
			Options: Options{Timeout: time.Hour}}},
		{"bad tag", EnqueueRequest{WorkflowID: "wf-sms", PatientID: "p-1", AppointmentID: "a-1",
			Options: Options{Tags: []string{"Has Spaces"}}}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Enqueue(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err), "got %T: %v", err, err)
		})
	}
}

func TestEnqueueDefaultsAndSchedule(t *testing.T) {
	f := newFixture(t, nil)

	id := f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{DaysPassed: 2}, Options{})
	assert.Regexp(t, fmt.Sprintf(`^wf_wf-sms_p-1_%d_[0-9a-f]{8}$`, start.UnixMilli()), id)

	job := f.job(t, id)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, workflow.PriorityNormal, job.Priority)
	assert.Equal(t, models.DefaultMaxRetries, job.Data.MaxRetries)
	assert.Equal(t, models.DefaultTimeout, job.Data.Timeout())
	assert.Equal(t, 2, job.Data.Context.DaysPassed)
	assert.True(t, job.ScheduledFor.Equal(start))

	delayed := f.job(t, f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{Delay: time.Hour, MaxRetries: intp(0)}))
	assert.True(t, delayed.ScheduledFor.Equal(start.Add(time.Hour)))
	assert.Equal(t, 0, delayed.Data.MaxRetries)

	at := start.AddDate(0, 0, 2)
	fixed := f.job(t, f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{Delay: time.Hour, ScheduledFor: at}))
	assert.True(t, fixed.ScheduledFor.Equal(at))

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed, "only the job due now is claimed")
}

func TestLoadScheduledJobsCompletes(t *testing.T) {
	f := newFixture(t, nil)
	id := f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{})

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Completed)
	require.Len(t, report.Jobs, 1)
	assert.Equal(t, "ex-1", report.Jobs[0].ExecutionID)

	job := f.job(t, id)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.NotEmpty(t, job.Result)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello Kim Minji, cataract follow up", sent[0].Content)
	assert.Equal(t, []string{"queued", "completed"}, f.events.types())

	report, err = f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed)
}

func TestDeferredJobResumesLater(t *testing.T) {
	f := newFixture(t, nil)
	id := f.enqueue(t, "wf-delay", "p-1", "a-1", workflow.ExecutionContext{DaysPassed: 1}, Options{})

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)
	assert.Empty(t, f.sender.Sent())

	job := f.job(t, id)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.True(t, job.ScheduledFor.Equal(start.AddDate(0, 0, 2)), "got %v", job.ScheduledFor)
	assert.Equal(t, 3, job.Data.Context.DaysPassed)
	assert.Equal(t, []string{"d"}, job.Data.Context.ResumeFrom)
	assert.Equal(t, "ex-1", job.Data.Context.ExecutionID)
	require.NotNil(t, job.Data.Context.TriggeredAt)
	assert.True(t, job.Data.Context.TriggeredAt.Equal(start.AddDate(0, 0, -1)))

	f.clock.Add(24 * time.Hour)
	report, err = f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Claimed, "not due yet")

	f.clock.Add(24 * time.Hour)
	report, err = f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	require.Len(t, f.sender.Sent(), 1)

	rec, err := f.store.GetExecution(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	assert.Equal(t, models.JobCompleted, f.job(t, id).Status)
}

func TestTimeWindowBeforeDelayKeepsDayCount(t *testing.T) {
	f := newFixture(t, nil)
	f.clock.Add(-2 * time.Hour)
	enqueued := f.clock.Now()
	id := f.enqueue(t, "wf-window-delay", "p-1", "a-1", workflow.ExecutionContext{}, Options{})

	steps := []struct {
		name       string
		advance    time.Duration
		status     models.JobStatus
		scheduled  time.Time
		daysPassed int
		resumeFrom []string
		sent       int
	}{
		{"outside the window", 0, models.JobQueued, enqueued.Add(time.Hour), 0, []string{"w"}, 0},
		{"window opens before the day is over", time.Hour, models.JobQueued, enqueued.AddDate(0, 0, 1), 1, []string{"d"}, 0},
		{"one day after the trigger", 23 * time.Hour, models.JobCompleted, enqueued.AddDate(0, 0, 1), 1, []string{"d"}, 1},
	}
	for _, st := range steps {
		f.clock.Add(st.advance)
		_, err := f.queue.LoadScheduledJobs(context.Background(), true)
		require.NoError(t, err, st.name)

		job := f.job(t, id)
		assert.Equal(t, st.status, job.Status, st.name)
		assert.True(t, job.ScheduledFor.Equal(st.scheduled), "%s: scheduled %v", st.name, job.ScheduledFor)
		assert.Equal(t, st.daysPassed, job.Data.Context.DaysPassed, st.name)
		assert.Equal(t, st.resumeFrom, job.Data.Context.ResumeFrom, st.name)
		assert.Len(t, f.sender.Sent(), st.sent, st.name)
	}
}

func TestChainedDelaysAccumulate(t *testing.T) {
	f := newFixture(t, nil)
	id := f.enqueue(t, "wf-chain", "p-1", "a-1", workflow.ExecutionContext{DaysPassed: 4}, Options{})

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deferred)

	contents := func() []string {
		out := make([]string, 0)
		for _, m := range f.sender.Sent() {
			out = append(out, m.Content)
		}
		return out
	}
	assert.Equal(t, []string{"day 1", "day 3"}, contents())

	job := f.job(t, id)
	assert.Equal(t, []string{"d7"}, job.Data.Context.ResumeFrom)
	assert.Equal(t, 3*24*time.Hour, job.Data.Context.ResumeOffsets["d7"])
	assert.True(t, job.ScheduledFor.Equal(start.AddDate(0, 0, 3)), "got %v", job.ScheduledFor)
	assert.Equal(t, 7, job.Data.Context.DaysPassed)

	f.clock.Add(3 * 24 * time.Hour)
	report, err = f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, []string{"day 1", "day 3", "day 7"}, contents())

	rec, err := f.store.GetExecution(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, rec.Status)
	assert.Equal(t, 7, rec.Data.DaysPassed)
}

func TestRunTimeoutRequeuesThenFails(t *testing.T) {
	var b *blocking
	f := newFixture(t, func(Executor) Executor {
		b = &blocking{}
		return b
	})
	id := f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{Timeout: 20 * time.Millisecond, MaxRetries: intp(2)})

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errored)

	job := f.job(t, id)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Contains(t, job.LastError, context.DeadlineExceeded.Error())
	assert.True(t, job.ScheduledFor.Equal(start.Add(time.Second)), "got %v", job.ScheduledFor)

	f.clock.Add(time.Second)
	report, err = f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	job = f.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "retry count 2 reached max retries 2")
	assert.Equal(t, 2, b.calls)
	assert.Equal(t, []string{"queued", "retrying", "failed"}, f.events.types())
}

func TestStaleClaimCannotFinish(t *testing.T) {
	f := newFixture(t, nil)
	id := f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{})

	stale, err := f.queue.Claim(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	f.clock.Add(11 * time.Minute)
	current, err := f.queue.Claim(context.Background(), 1, 3)
	require.NoError(t, err)
	require.Len(t, current, 1)

	report := f.queue.process(context.Background(), stale[0])
	assert.Equal(t, ReportErrored, report.Status)
	assert.Contains(t, report.Error, storage.ErrClaimLost.Error())
	assert.Equal(t, models.JobProcessing, f.job(t, id).Status)

	report = f.queue.process(context.Background(), current[0])
	assert.Equal(t, ReportCompleted, report.Status)
	assert.Equal(t, models.JobCompleted, f.job(t, id).Status)
}

func TestTransientErrorRequeuesWithBackoff(t *testing.T) {
	var fl *flaky
	f := newFixture(t, func(next Executor) Executor {
		fl = &flaky{n: 5, next: next}
		return fl
	})
	id := f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{MaxRetries: intp(2)})

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errored)

	job := f.job(t, id)
	assert.Equal(t, models.JobQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "connection reset", job.LastError)
	assert.True(t, job.ScheduledFor.Equal(start.Add(time.Second)), "got %v", job.ScheduledFor)

	f.clock.Add(time.Second)
	report, err = f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	job = f.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "retry count 2 reached max retries 2")
	assert.Equal(t, 2, fl.calls)
	assert.Empty(t, f.sender.Sent())
}

func TestRunFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.fail = true
	id := f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{})

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	job := f.job(t, id)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.NotNil(t, job.FailedAt)

	rec, err := f.store.GetExecution(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, rec.Status)
}

func TestBatchFailureIsolation(t *testing.T) {
	f := newFixture(t, nil)
	bad := f.enqueue(t, "wf-sms", "p-missing", "a-1", workflow.ExecutionContext{}, Options{})
	good := f.enqueue(t, "wf-sms", "p-2", "a-2", workflow.ExecutionContext{}, Options{})

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, models.JobFailed, f.job(t, bad).Status)
	assert.Contains(t, f.job(t, bad).ErrorMessage, "patient p-missing not found")
	assert.Equal(t, models.JobCompleted, f.job(t, good).Status)
}

func TestSnapshotOverridesAndSyntheticAppointment(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.queue.Enqueue(context.Background(), EnqueueRequest{
		WorkflowID: "wf-sms",
		PatientID:  "p-1",
		Options: Options{ExecutionContext: &models.ExecutionSnapshot{
			Patient:     &models.Patient{Name: "Minji"},
			Appointment: &models.Appointment{Status: models.AppointmentCompleted, SurgeryType: "knee", AppointmentDate: start},
		}},
	})
	require.NoError(t, err)

	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello Minji, knee follow up", sent[0].Content)
	assert.Equal(t, "010-1111-2222", sent[0].Recipient)
}

func TestAsyncDispatch(t *testing.T) {
	f := newFixture(t, nil)
	id := f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{})

	report, err := f.queue.LoadScheduledJobs(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Dispatched)

	require.Eventually(t, func() bool {
		job, err := f.queue.JobStatus(context.Background(), id)
		return err == nil && job.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunJob(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.queue.RunJob(context.Background(), EnqueueRequest{
		WorkflowID: "wf-sms", PatientID: "p-2", AppointmentID: "a-2",
	})
	require.NoError(t, err)
	assert.Equal(t, ReportCompleted, report.Status)
	assert.Equal(t, models.JobCompleted, f.job(t, report.JobID).Status)

	_, err = f.queue.RunJob(context.Background(), EnqueueRequest{WorkflowID: "wf-sms"})
	assert.True(t, errs.IsValidation(err))
}

func TestRetryExecution(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.fail = true
	f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{DaysPassed: 4, CustomVariables: map[string]string{"doctor": "Park"}}, Options{})
	_, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)

	jobID, err := f.queue.Retry(context.Background(), "ex-1", RetryRequest{
		RetryOptions: workflow.RetryOptions{RetryFailedNodesOnly: true},
		MaxRetries:   1,
	})
	require.NoError(t, err)

	job := f.job(t, jobID)
	assert.Equal(t, workflow.PriorityHigh, job.Priority)
	assert.Equal(t, []string{"retry", "original-execution-ex-1"}, job.Data.Tags)
	assert.Equal(t, "ex-1", job.Data.Context.RetryFromExecutionID)
	assert.Equal(t, []string{"sms"}, job.Data.Context.ResumeFrom)
	assert.Equal(t, 4, job.Data.Context.DaysPassed)
	assert.Equal(t, "Park", job.Data.Context.CustomVariables["doctor"])

	rec, err := f.store.GetExecution(context.Background(), "ex-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Data.RetryCount)
	assert.Equal(t, jobID, rec.Data.RetryJobID)
	assert.NotNil(t, rec.Data.LastRetryAt)

	_, err = f.queue.Retry(context.Background(), "ex-1", RetryRequest{MaxRetries: 1})
	assert.True(t, errs.IsRetryExhausted(err), "got %v", err)

	f.sender.fail = false
	report, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)
	assert.Len(t, f.sender.Sent(), 1)
}

func TestRetryResetContext(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.fail = true
	f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{DaysPassed: 4, CustomVariables: map[string]string{"doctor": "Park"}}, Options{})
	_, err := f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)

	jobID, err := f.queue.Retry(context.Background(), "ex-1", RetryRequest{
		RetryOptions: workflow.RetryOptions{ResetContext: true, Priority: workflow.PriorityCritical},
	})
	require.NoError(t, err)

	job := f.job(t, jobID)
	assert.Equal(t, workflow.PriorityCritical, job.Priority)
	assert.Equal(t, 4, job.Data.Context.DaysPassed)
	assert.Empty(t, job.Data.Context.CustomVariables)
	assert.Empty(t, job.Data.Context.RetryFromExecutionID)
}

func TestRetryRejects(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.queue.Retry(context.Background(), "ghost", RetryRequest{})
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)

	f.enqueue(t, "wf-delay", "p-1", "a-1", workflow.ExecutionContext{}, Options{})
	_, err = f.queue.LoadScheduledJobs(context.Background(), true)
	require.NoError(t, err)

	_, err = f.queue.Retry(context.Background(), "ex-1", RetryRequest{})
	assert.True(t, errs.IsValidation(err), "a deferred execution is not retryable, got %v", err)
}

func TestHealthStatsAndCleanup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, "wf-sms", "p-1", "a-1", workflow.ExecutionContext{}, Options{})
	f.enqueue(t, "wf-sms", "p-2", "a-2", workflow.ExecutionContext{}, Options{Delay: 5 * time.Minute})

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Waiting: 1, Delayed: 1}, stats)

	claimed, err := f.queue.Claim(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h, err := f.queue.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, 1, h.Stats.Active)

	f.clock.Add(11 * time.Minute)
	h, err = f.queue.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.Equal(t, 1, h.StuckJobs)

	report, err := f.queue.LoadScheduledJobs(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Completed, "the stuck job is reclaimed with the delayed one")

	f.clock.Add(25 * time.Hour)
	n, err := f.queue.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err = f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{}, stats)
}

func TestBackoff(t *testing.T) {
	b := &backoffDeliver{MinDelay: time.Second, MaxDelay: time.Minute, Factor: 2}
	assert.Equal(t, time.Second, b.timeBeforeNextAttempt(0))
	assert.Equal(t, 2*time.Second, b.timeBeforeNextAttempt(1))
	assert.Equal(t, 8*time.Second, b.timeBeforeNextAttempt(3))
	assert.Equal(t, time.Minute, b.timeBeforeNextAttempt(10))
}
