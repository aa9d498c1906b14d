package storage

import (
	"context"
	"sort"
	"time"

	"github.com/THPTUHA/careflow/pkg/errs"
	"github.com/THPTUHA/careflow/server/storage/models"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/buntdb"
)

const (
	jobPrefix         = "job:"
	executionPrefix   = "execution:"
	workflowPrefix    = "workflow:"
	patientPrefix     = "patient:"
	appointmentPrefix = "appointment:"
	deliveryPrefix    = "delivery:"

	jobStatusIndex = "job_status"
)

// Memory is a Store on an in-memory buntdb. Every write runs in a buntdb
// update transaction, which serializes claims across goroutines.
type Memory struct {
	db     *buntdb.DB
	logger *logrus.Entry
	now    func() time.Time
}

// Seed is reference data loaded into a Memory store.
type Seed struct {
	Workflows    []*models.Workflow    `json:"workflows"`
	Patients     []*models.Patient     `json:"patients"`
	Appointments []*models.Appointment `json:"appointments"`
}

func NewMemory(logger *logrus.Entry) (*Memory, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, errs.NewStorage("open", err)
	}
	if err := db.CreateIndex(jobStatusIndex, jobPrefix+"*", buntdb.IndexJSON("status")); err != nil {
		db.Close()
		return nil, errs.NewStorage("open", errors.Wrap(err, "create index"))
	}
	return &Memory{db: db, logger: logger, now: time.Now}, nil
}

// SetClock replaces the time source used for scheduling decisions.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Memory) Close() error {
	return m.db.Close()
}

func (m *Memory) Load(seed Seed) error {
	return m.db.Update(func(tx *buntdb.Tx) error {
		for _, w := range seed.Workflows {
			if err := setJSON(tx, workflowPrefix+w.ID, w); err != nil {
				return err
			}
		}
		for _, p := range seed.Patients {
			if err := setJSON(tx, patientPrefix+p.ID, p); err != nil {
				return err
			}
		}
		for _, a := range seed.Appointments {
			if err := setJSON(tx, appointmentPrefix+a.ID, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Memory) PutWorkflow(w *models.Workflow) error {
	return m.Load(Seed{Workflows: []*models.Workflow{w}})
}

func (m *Memory) PutPatient(p *models.Patient) error {
	return m.Load(Seed{Patients: []*models.Patient{p}})
}

func (m *Memory) PutAppointment(a *models.Appointment) error {
	return m.Load(Seed{Appointments: []*models.Appointment{a}})
}

func setJSON(tx *buntdb.Tx, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	_, _, err = tx.Set(key, string(b), nil)
	return err
}

func getJSON(tx *buntdb.Tx, key string, v interface{}) error {
	raw, err := tx.Get(key)
	if err == buntdb.ErrNotFound {
		return errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// storageErr lifts everything except ErrNotFound, ErrClaimLost and domain
// errors into a StorageError.
func storageErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrClaimLost) || errs.IsRetryExhausted(err) {
		return err
	}
	return errs.NewStorage(op, err)
}

func (m *Memory) InsertJob(ctx context.Context, job *models.WorkflowJob) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(jobPrefix + job.ID); err == nil {
			return errors.Errorf("job %s already exists", job.ID)
		}
		return setJSON(tx, jobPrefix+job.ID, job)
	})
	return storageErr("insert job", err)
}

func (m *Memory) GetJob(ctx context.Context, id string) (*models.WorkflowJob, error) {
	var job models.WorkflowJob
	err := m.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, jobPrefix+id, &job)
	})
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return &job, nil
}

func (m *Memory) jobsWithStatus(tx *buntdb.Tx, status models.JobStatus) ([]*models.WorkflowJob, error) {
	out := make([]*models.WorkflowJob, 0)
	var decodeErr error
	pivot := `{"status":"` + string(status) + `"}`
	err := tx.AscendEqual(jobStatusIndex, pivot, func(key, value string) bool {
		job := new(models.WorkflowJob)
		if err := json.Unmarshal([]byte(value), job); err != nil {
			decodeErr = errors.Wrapf(err, "decode %s", key)
			return false
		}
		out = append(out, job)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

func (m *Memory) ClaimJobs(ctx context.Context, limit, maxRetries int, stuckAfter time.Duration) ([]*models.WorkflowJob, error) {
	claimed := make([]*models.WorkflowJob, 0, limit)
	err := m.db.Update(func(tx *buntdb.Tx) error {
		now := m.now()
		queued, err := m.jobsWithStatus(tx, models.JobQueued)
		if err != nil {
			return err
		}
		processing, err := m.jobsWithStatus(tx, models.JobProcessing)
		if err != nil {
			return err
		}

		due := make([]*models.WorkflowJob, 0, len(queued))
		for _, j := range queued {
			if !j.ScheduledFor.After(now) {
				due = append(due, j)
			}
		}
		for _, j := range processing {
			if j.UpdatedAt.Before(now.Add(-stuckAfter)) {
				due = append(due, j)
			}
		}

		candidates := make([]*models.WorkflowJob, 0, len(due))
		for _, j := range due {
			if j.RetryCount < maxRetries {
				candidates = append(candidates, j)
				continue
			}
			j.UpdatedAt = now
			j.Status = models.JobFailed
			j.FailedAt = &now
			j.ErrorMessage = (&errs.RetryExhausted{ID: j.ID, RetryCount: j.RetryCount, MaxRetries: maxRetries}).Error()
			m.logger.WithField("job", j.ID).Warn("storage: job exhausted its retries at claim")
			if err := setJSON(tx, jobPrefix+j.ID, j); err != nil {
				return err
			}
		}
		sort.SliceStable(candidates, func(i, k int) bool { return claimOrder(candidates[i], candidates[k]) })
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}

		for _, j := range candidates {
			if j.Status == models.JobProcessing {
				j.RetryCount++
			}
			started := now
			j.UpdatedAt = now
			j.Status = models.JobProcessing
			j.StartedAt = &started
			claimed = append(claimed, j)
			if err := setJSON(tx, jobPrefix+j.ID, j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("claim jobs", err)
	}
	return claimed, nil
}

func (m *Memory) ClaimJob(ctx context.Context, id string) (*models.WorkflowJob, error) {
	var job models.WorkflowJob
	err := m.db.Update(func(tx *buntdb.Tx) error {
		if err := getJSON(tx, jobPrefix+id, &job); err != nil {
			return err
		}
		if job.Status != models.JobQueued {
			return errors.Wrapf(ErrNotFound, "queued job %s", id)
		}
		now := m.now()
		job.Status = models.JobProcessing
		job.StartedAt = &now
		job.UpdatedAt = now
		return setJSON(tx, jobPrefix+id, &job)
	})
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	return &job, nil
}

func (m *Memory) FinishJob(ctx context.Context, id string, u JobUpdate) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		var job models.WorkflowJob
		if err := getJSON(tx, jobPrefix+id, &job); err != nil {
			return err
		}
		if job.Status != models.JobProcessing {
			return errors.Wrapf(ErrNotFound, "processing job %s", id)
		}
		if !u.ClaimedAt.IsZero() && (job.StartedAt == nil || !job.StartedAt.Equal(u.ClaimedAt)) {
			return errors.Wrapf(ErrClaimLost, "job %s", id)
		}
		now := m.now()
		job.Status = u.Status
		if !u.ScheduledFor.IsZero() {
			job.ScheduledFor = u.ScheduledFor
		}
		job.RetryCount = u.RetryCount
		if u.Data != nil {
			job.Data = *u.Data
		}
		job.LastError = u.LastError
		job.ErrorMessage = u.ErrorMessage
		if len(u.Result) > 0 {
			job.Result = u.Result
		}
		job.UpdatedAt = now
		switch u.Status {
		case models.JobCompleted:
			job.CompletedAt = &now
		case models.JobFailed:
			job.FailedAt = &now
		}
		return setJSON(tx, jobPrefix+id, &job)
	})
	return storageErr("finish job", err)
}

func (m *Memory) allJobs(fn func(key string, job *models.WorkflowJob)) error {
	return m.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendKeys(jobPrefix+"*", func(key, value string) bool {
			job := new(models.WorkflowJob)
			if err := json.Unmarshal([]byte(value), job); err != nil {
				decodeErr = errors.Wrapf(err, "decode %s", key)
				return false
			}
			fn(key, job)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
}

func (m *Memory) JobStats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	now := m.now()
	err := m.allJobs(func(_ string, j *models.WorkflowJob) {
		switch j.Status {
		case models.JobProcessing:
			st.Active++
		case models.JobQueued:
			if j.ScheduledFor.After(now) {
				st.Delayed++
			} else {
				st.Waiting++
			}
		case models.JobCompleted:
			st.Completed++
		case models.JobFailed:
			st.Failed++
		}
	})
	return st, storageErr("job stats", err)
}

func (m *Memory) CountStuckJobs(ctx context.Context, stuckAfter time.Duration) (int, error) {
	n := 0
	cutoff := m.now().Add(-stuckAfter)
	err := m.allJobs(func(_ string, j *models.WorkflowJob) {
		if j.Status == models.JobProcessing && j.UpdatedAt.Before(cutoff) {
			n++
		}
	})
	return n, storageErr("count stuck jobs", err)
}

func (m *Memory) DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error) {
	keys := make([]string, 0)
	err := m.allJobs(func(key string, j *models.WorkflowJob) {
		if j.Finished() && j.UpdatedAt.Before(before) {
			keys = append(keys, key)
		}
	})
	if err != nil {
		return 0, storageErr("delete jobs", err)
	}
	var n int64
	err = m.db.Update(func(tx *buntdb.Tx) error {
		for _, k := range keys {
			if _, err := tx.Delete(k); err == nil {
				n++
			} else if err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	return n, storageErr("delete jobs", err)
}

func (m *Memory) CreateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(executionPrefix + rec.ID); err == nil {
			return errors.Errorf("execution %s already exists", rec.ID)
		}
		return setJSON(tx, executionPrefix+rec.ID, rec)
	})
	return storageErr("create execution", err)
}

func (m *Memory) GetExecution(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := m.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, executionPrefix+id, &rec)
	})
	if err != nil {
		return nil, storageErr("get execution", err)
	}
	return &rec, nil
}

func (m *Memory) UpdateExecution(ctx context.Context, rec *models.ExecutionRecord) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		var cur models.ExecutionRecord
		if err := getJSON(tx, executionPrefix+rec.ID, &cur); err != nil {
			return err
		}
		return setJSON(tx, executionPrefix+rec.ID, rec)
	})
	return storageErr("update execution", err)
}

func (m *Memory) IncrementExecutionRetry(ctx context.Context, id string, maxRetries int, at time.Time) (int, error) {
	count := 0
	err := m.db.Update(func(tx *buntdb.Tx) error {
		var rec models.ExecutionRecord
		if err := getJSON(tx, executionPrefix+id, &rec); err != nil {
			return err
		}
		count = rec.Data.RetryCount
		if count >= maxRetries {
			return &errs.RetryExhausted{ID: id, RetryCount: count, MaxRetries: maxRetries}
		}
		count++
		rec.Data.RetryCount = count
		rec.Data.LastRetryAt = &at
		return setJSON(tx, executionPrefix+id, &rec)
	})
	return count, storageErr("increment retry", err)
}

func (m *Memory) SetExecutionRetryJob(ctx context.Context, id, jobID string) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		var rec models.ExecutionRecord
		if err := getJSON(tx, executionPrefix+id, &rec); err != nil {
			return err
		}
		rec.Data.RetryJobID = jobID
		return setJSON(tx, executionPrefix+id, &rec)
	})
	return storageErr("set retry job", err)
}

func (m *Memory) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var w models.Workflow
	err := m.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, workflowPrefix+id, &w)
	})
	if err != nil {
		return nil, storageErr("get workflow", err)
	}
	return &w, nil
}

func (m *Memory) ListActiveWorkflows(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	out := make([]*models.Workflow, 0)
	err := m.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendKeys(workflowPrefix+"*", func(key, value string) bool {
			w := new(models.Workflow)
			if err := json.Unmarshal([]byte(value), w); err != nil {
				decodeErr = errors.Wrapf(err, "decode %s", key)
				return false
			}
			if w.OwnerID == ownerID && w.IsActive {
				out = append(out, w)
			}
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, storageErr("list workflows", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	var p models.Patient
	err := m.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, patientPrefix+id, &p)
	})
	if err != nil {
		return nil, storageErr("get patient", err)
	}
	return &p, nil
}

func (m *Memory) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	err := m.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, appointmentPrefix+id, &a)
	})
	if err != nil {
		return nil, storageErr("get appointment", err)
	}
	return &a, nil
}

func (m *Memory) HasDelivery(ctx context.Context, key models.DeliveryKey) (bool, error) {
	found := false
	err := m.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(deliveryPrefix + key.String())
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, storageErr("has delivery", err)
}

func (m *Memory) RecordDelivery(ctx context.Context, d *models.Delivery) error {
	err := m.db.Update(func(tx *buntdb.Tx) error {
		key := deliveryPrefix + d.DeliveryKey.String()
		if _, err := tx.Get(key); err == nil {
			return nil
		}
		return setJSON(tx, key, d)
	})
	return storageErr("record delivery", err)
}
