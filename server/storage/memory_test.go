package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/pkg/logger"
	"github.com/THPTUHA/careflow/pkg/workflow"
	"github.com/THPTUHA/careflow/server/storage/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newMemory(t *testing.T) (*Memory, *clock) {
	t.Helper()
	m, err := NewMemory(logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	c := &clock{now: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)}
	m.SetClock(c.Now)
	return m, c
}

func queuedJob(id string, p workflow.Priority, at time.Time) *models.WorkflowJob {
	return &models.WorkflowJob{
		ID:           id,
		WorkflowID:   "wf-1",
		PatientID:    "p-" + id,
		Data:         models.JobData{Priority: p, MaxRetries: 3},
		Status:       models.JobQueued,
		Priority:     p,
		ScheduledFor: at,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func TestMemoryClaimOrderAndDueness(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	now := c.Now()

	require.NoError(t, m.InsertJob(ctx, queuedJob("low", workflow.PriorityLow, now.Add(-3*time.Minute))))
	require.NoError(t, m.InsertJob(ctx, queuedJob("normal-old", workflow.PriorityNormal, now.Add(-2*time.Minute))))
	require.NoError(t, m.InsertJob(ctx, queuedJob("normal-new", workflow.PriorityNormal, now.Add(-1*time.Minute))))
	require.NoError(t, m.InsertJob(ctx, queuedJob("critical", workflow.PriorityCritical, now)))
	require.NoError(t, m.InsertJob(ctx, queuedJob("future", workflow.PriorityCritical, now.Add(time.Hour))))

	jobs, err := m.ClaimJobs(ctx, 3, 3, 10*time.Minute)
	require.NoError(t, err)

	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
		assert.Equal(t, models.JobProcessing, j.Status)
		assert.NotNil(t, j.StartedAt)
	}
	assert.Equal(t, []string{"critical", "normal-old", "normal-new"}, ids)

	st, err := m.JobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Stats{Active: 3, Waiting: 1, Delayed: 1}, st)
}

func TestMemoryConcurrentClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	const total = 60
	for i := 0; i < total; i++ {
		require.NoError(t, m.InsertJob(ctx, queuedJob(fmt.Sprintf("job-%02d", i), workflow.PriorityNormal, c.Now())))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := m.ClaimJobs(ctx, 4, 3, 10*time.Minute)
				if !assert.NoError(t, err) || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestMemoryStuckJobsAreReclaimed(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	require.NoError(t, m.InsertJob(ctx, queuedJob("a", workflow.PriorityNormal, c.Now())))

	jobs, err := m.ClaimJobs(ctx, 10, 3, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	c.Advance(5 * time.Minute)
	stuck, err := m.CountStuckJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, stuck)
	jobs, err = m.ClaimJobs(ctx, 10, 3, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	c.Advance(6 * time.Minute)
	stuck, err = m.CountStuckJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, stuck)

	jobs, err = m.ClaimJobs(ctx, 10, 3, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].RetryCount)
}

func TestMemoryClaimFailsExhaustedJobs(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	spent := queuedJob("spent", workflow.PriorityNormal, c.Now())
	spent.RetryCount = 2
	require.NoError(t, m.InsertJob(ctx, spent))
	last := queuedJob("last", workflow.PriorityNormal, c.Now())
	last.RetryCount = 1
	require.NoError(t, m.InsertJob(ctx, last))

	jobs, err := m.ClaimJobs(ctx, 10, 2, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "last", jobs[0].ID)

	got, err := m.GetJob(ctx, "spent")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "retry count 2 reached max retries 2")

	// The reclaim of a stuck job spends a retry, so the next one fails it.
	c.Advance(11 * time.Minute)
	jobs, err = m.ClaimJobs(ctx, 10, 2, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].RetryCount)

	c.Advance(11 * time.Minute)
	jobs, err = m.ClaimJobs(ctx, 10, 2, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	got, err = m.GetJob(ctx, "last")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}

func TestMemoryExhaustedJobsDoNotTakeClaimSlots(t *testing.T) {
	tests := []struct {
		name  string
		spent int
		limit int
		want  []string
	}{
		{"one spent job ahead of a due one", 1, 1, []string{"due"}},
		{"more spent jobs than the limit", 3, 1, []string{"due"}},
		{"limit covers everything", 2, 5, []string{"due"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, c := newMemory(t)
			for i := 0; i < tt.spent; i++ {
				j := queuedJob(fmt.Sprintf("spent-%d", i), workflow.PriorityCritical, c.Now().Add(-time.Hour))
				j.RetryCount = 2
				require.NoError(t, m.InsertJob(ctx, j))
			}
			require.NoError(t, m.InsertJob(ctx, queuedJob("due", workflow.PriorityLow, c.Now())))

			jobs, err := m.ClaimJobs(ctx, tt.limit, 2, 10*time.Minute)
			require.NoError(t, err)
			ids := make([]string, 0, len(jobs))
			for _, j := range jobs {
				ids = append(ids, j.ID)
			}
			assert.Equal(t, tt.want, ids)

			st, err := m.JobStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.spent, st.Failed)
		})
	}
}

func TestMemoryFinishJobAfterReclaim(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	require.NoError(t, m.InsertJob(ctx, queuedJob("a", workflow.PriorityNormal, c.Now())))

	first, err := m.ClaimJobs(ctx, 1, 3, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, first, 1)

	c.Advance(11 * time.Minute)
	second, err := m.ClaimJobs(ctx, 1, 3, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.False(t, first[0].StartedAt.Equal(*second[0].StartedAt))

	err = m.FinishJob(ctx, "a", JobUpdate{ClaimedAt: *first[0].StartedAt, Status: models.JobCompleted})
	assert.True(t, errors.Is(err, ErrClaimLost), "got %v", err)
	got, err := m.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)

	err = m.FinishJob(ctx, "a", JobUpdate{ClaimedAt: *second[0].StartedAt, Status: models.JobCompleted, RetryCount: 1})
	require.NoError(t, err)
	got, err = m.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
}

func TestMemoryFinishJob(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	require.NoError(t, m.InsertJob(ctx, queuedJob("a", workflow.PriorityNormal, c.Now())))

	err := m.FinishJob(ctx, "a", JobUpdate{Status: models.JobCompleted})
	assert.True(t, errors.Is(err, ErrNotFound), "queued jobs cannot be finished")

	_, err = m.ClaimJobs(ctx, 1, 3, 10*time.Minute)
	require.NoError(t, err)

	next := c.Now().Add(2 * time.Hour)
	data := models.JobData{Priority: workflow.PriorityNormal, Context: workflow.ExecutionContext{DaysPassed: 2}}
	require.NoError(t, m.FinishJob(ctx, "a", JobUpdate{Status: models.JobQueued, ScheduledFor: next, Data: &data}))

	got, err := m.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.True(t, next.Equal(got.ScheduledFor))
	assert.Equal(t, 2, got.Data.Context.DaysPassed)

	_, err = m.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryDeleteFinishedJobs(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	require.NoError(t, m.InsertJob(ctx, queuedJob("done", workflow.PriorityNormal, c.Now())))
	require.NoError(t, m.InsertJob(ctx, queuedJob("later", workflow.PriorityNormal, c.Now().Add(time.Hour))))
	_, err := m.ClaimJobs(ctx, 10, 3, 10*time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.FinishJob(ctx, "done", JobUpdate{Status: models.JobCompleted}))

	c.Advance(25 * time.Hour)
	n, err := m.DeleteFinishedJobs(ctx, c.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = m.GetJob(ctx, "done")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = m.GetJob(ctx, "later")
	assert.NoError(t, err)
}

func TestMemoryExecutionRetryBound(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	rec := &models.ExecutionRecord{ID: "ex-1", WorkflowID: "wf-1", PatientID: "p-1", Status: models.ExecutionFailed, StartedAt: c.Now()}
	require.NoError(t, m.CreateExecution(ctx, rec))

	for want := 1; want <= 2; want++ {
		n, err := m.IncrementExecutionRetry(ctx, "ex-1", 2, c.Now())
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	_, err := m.IncrementExecutionRetry(ctx, "ex-1", 2, c.Now())
	require.Error(t, err)
	assert.True(t, errs.IsRetryExhausted(err))

	require.NoError(t, m.SetExecutionRetryJob(ctx, "ex-1", "job-9"))
	got, err := m.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Data.RetryCount)
	assert.Equal(t, "job-9", got.Data.RetryJobID)
	assert.NotNil(t, got.Data.LastRetryAt)

	_, err = m.IncrementExecutionRetry(ctx, "missing", 2, c.Now())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryDeliveryLedger(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	key := models.DeliveryKey{WorkflowID: "wf-1", PatientID: "p-1", AppointmentID: "a-1", NodeID: "sms"}

	ok, err := m.HasDelivery(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.RecordDelivery(ctx, &models.Delivery{DeliveryKey: key, Channel: "sms", DeliveredAt: c.Now()}))
	require.NoError(t, m.RecordDelivery(ctx, &models.Delivery{DeliveryKey: key, Channel: "sms", DeliveredAt: c.Now()}))

	ok, err = m.HasDelivery(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	other := key
	other.AppointmentID = "a-2"
	ok, err = m.HasDelivery(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryReferenceData(t *testing.T) {
	ctx := context.Background()
	m, c := newMemory(t)
	require.NoError(t, m.Load(Seed{
		Workflows: []*models.Workflow{
			{ID: "wf-2", OwnerID: "clinic", IsActive: true, CreatedAt: c.Now()},
			{ID: "wf-1", OwnerID: "clinic", IsActive: true, CreatedAt: c.Now()},
			{ID: "wf-3", OwnerID: "clinic", IsActive: false, CreatedAt: c.Now()},
			{ID: "wf-4", OwnerID: "other", IsActive: true, CreatedAt: c.Now()},
		},
		Patients: []*models.Patient{{ID: "p-1", Name: "Kim"}},
	}))

	ws, err := m.ListActiveWorkflows(ctx, "clinic")
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "wf-1", ws[0].ID)
	assert.Equal(t, "wf-2", ws[1].ID)

	p, err := m.GetPatient(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Kim", p.Name)

	_, err = m.GetAppointment(ctx, "a-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}
