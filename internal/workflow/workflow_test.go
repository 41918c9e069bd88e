package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyreport/kyreport/internal/credential"
	"github.com/kyreport/kyreport/internal/domain"
	"github.com/kyreport/kyreport/internal/vq"
)

const validContent = `[
  {
    "caseNo": 1,
    "caseTitle": "Fall from ladder",
    "type": "Fact",
    "overview": "Worker overreached from an unsecured ladder.",
    "countermeasures": [
      {"id": 1, "title": "Secure ladder", "description": "Tie off the ladder top before climbing", "assignees": ["site supervisor"]}
    ]
  }
]`

type fakeStore struct {
	job *domain.Job

	getErr error

	markSentCalls   int
	markSentIDs     domain.CorrelationIDs
	markSentErr     error
	completeCalls   int
	completeResult  string
	completeErr     error
	failCalls       int
	failMessage     string
	failValCalls    int
	failValFromTID  string
	failValMessage  string
	regenCalls      int
	regenFromTID    string
	regenIDs        domain.CorrelationIDs
	regenErr        error
	regenRetryCount int
}

func (f *fakeStore) GetJobByID(_ context.Context, jobID string) (*domain.Job, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.job == nil || f.job.JobID != jobID {
		return nil, domain.ErrJobNotFound
	}
	cp := *f.job
	return &cp, nil
}

func (f *fakeStore) MarkSent(_ context.Context, _ string, ids domain.CorrelationIDs) error {
	f.markSentCalls++
	f.markSentIDs = ids
	return f.markSentErr
}

func (f *fakeStore) RecordRegeneration(_ context.Context, _, fromThreadID string, ids domain.CorrelationIDs) (int, error) {
	f.regenCalls++
	f.regenFromTID = fromThreadID
	f.regenIDs = ids
	if f.regenErr != nil {
		return 0, f.regenErr
	}
	f.regenRetryCount++
	return f.regenRetryCount, nil
}

func (f *fakeStore) Complete(_ context.Context, _ string, resultJSON string) error {
	f.completeCalls++
	f.completeResult = resultJSON
	return f.completeErr
}

func (f *fakeStore) Fail(_ context.Context, _ string, errorMessage string) error {
	f.failCalls++
	f.failMessage = errorMessage
	return nil
}

func (f *fakeStore) FailValidation(_ context.Context, _, fromThreadID, errorMessage string) error {
	f.failValCalls++
	f.failValFromTID = fromThreadID
	f.failValMessage = errorMessage
	return nil
}

type fakeResolver struct {
	bundle *credential.Bundle
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, _ string) (*credential.Bundle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

type fakeGenerator struct {
	authErr     error
	submitIDs   domain.CorrelationIDs
	submitErr   error
	submitCalls int
	pollResult  *vq.PollResult
	pollErr     error
	pollCalls   int
	lastPollIDs domain.CorrelationIDs
}

func (f *fakeGenerator) Authenticate(_ context.Context, _, _ string) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	return "token-1", nil
}

func (f *fakeGenerator) Submit(_ context.Context, _, _, _ string) (domain.CorrelationIDs, error) {
	f.submitCalls++
	if f.submitErr != nil {
		return domain.CorrelationIDs{}, f.submitErr
	}
	return f.submitIDs, nil
}

func (f *fakeGenerator) Poll(_ context.Context, _ string, ids domain.CorrelationIDs) (*vq.PollResult, error) {
	f.pollCalls++
	f.lastPollIDs = ids
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return f.pollResult, nil
}

type fakePublisher struct {
	messages []domain.JobMessage
	err      error
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, body []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return err
	}
	f.messages = append(f.messages, msg)
	return nil
}

type fixture struct {
	store     *fakeStore
	resolver  *fakeResolver
	generator *fakeGenerator
	publisher *fakePublisher
	wf        *Workflow
}

func newFixture(job *domain.Job) *fixture {
	store := &fakeStore{job: job}
	resolver := &fakeResolver{bundle: &credential.Bundle{
		APIKey:        "key",
		LoginID:       "login",
		ModelID:       "model",
		WebhookSecret: "whsec",
	}}
	generator := &fakeGenerator{
		submitIDs: domain.CorrelationIDs{ThreadID: "tid-new", MessageID: "mid-new"},
	}
	publisher := &fakePublisher{}

	wf := New(&Config{
		Store:            store,
		Credentials:      resolver,
		Generator:        generator,
		Publisher:        publisher,
		MaxRegenerations: 3,
		Logger:           slog.Default(),
	})

	return &fixture{store: store, resolver: resolver, generator: generator, publisher: publisher, wf: wf}
}

func pendingJob() *domain.Job {
	return &domain.Job{
		JobID:    "11111111-1111-1111-1111-111111111111",
		TenantID: "tenant-a",
		UserID:   "user-1",
		Input:    `{"message":"steel beam installation"}`,
		Status:   domain.JobStatusPending,
	}
}

func sentJob(retryCount int) *domain.Job {
	job := pendingJob()
	job.Status = domain.JobStatusSent
	job.ThreadID = "tid-1"
	job.MessageID = "mid-1"
	job.RetryCount = retryCount
	return job
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("submits and enqueues poll", func(t *testing.T) {
		f := newFixture(pendingJob())

		err := f.wf.Dispatch(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, 1, f.generator.submitCalls)
		assert.Equal(t, 1, f.store.markSentCalls)
		assert.Equal(t, "tid-new", f.store.markSentIDs.ThreadID)

		require.Len(t, f.publisher.messages, 1)
		assert.Equal(t, domain.StagePoll, f.publisher.messages[0].Stage)
		assert.Equal(t, f.store.job.JobID, f.publisher.messages[0].JobID)
	})

	t.Run("terminal job is a no-op", func(t *testing.T) {
		job := pendingJob()
		job.Status = domain.JobStatusCompleted
		f := newFixture(job)

		err := f.wf.Dispatch(ctx, job.JobID, "tenant-a")
		require.NoError(t, err)
		assert.Zero(t, f.generator.submitCalls)
		assert.Zero(t, f.store.markSentCalls)
		assert.Empty(t, f.publisher.messages)
	})

	t.Run("redelivered dispatch on SENT job only repairs poll message", func(t *testing.T) {
		f := newFixture(sentJob(0))

		err := f.wf.Dispatch(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Zero(t, f.generator.submitCalls)
		require.Len(t, f.publisher.messages, 1)
		assert.Equal(t, domain.StagePoll, f.publisher.messages[0].Stage)
	})

	t.Run("unparseable input fails terminally without retry", func(t *testing.T) {
		job := pendingJob()
		job.Input = `{"message":`
		f := newFixture(job)

		err := f.wf.Dispatch(ctx, job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, 1, f.store.failCalls)
		assert.Equal(t, "invalid input", f.store.failMessage)
		assert.Zero(t, f.generator.submitCalls)
	})

	t.Run("missing tenant config fails terminally", func(t *testing.T) {
		f := newFixture(pendingJob())
		f.resolver.err = domain.ErrTenantConfigNotFound

		err := f.wf.Dispatch(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, 1, f.store.failCalls)
		assert.Equal(t, "tenant config not found", f.store.failMessage)
	})

	t.Run("transient submit failure is retryable", func(t *testing.T) {
		f := newFixture(pendingJob())
		f.generator.submitErr = fmt.Errorf("502 bad gateway")

		err := f.wf.Dispatch(ctx, f.store.job.JobID, "tenant-a")
		require.Error(t, err)

		var retryable *domain.RetryableError
		assert.ErrorAs(t, err, &retryable)
		assert.Zero(t, f.store.markSentCalls)
		assert.Zero(t, f.store.failCalls)
	})

	t.Run("cross-tenant message is rejected", func(t *testing.T) {
		f := newFixture(pendingJob())

		err := f.wf.Dispatch(ctx, f.store.job.JobID, "tenant-b")
		assert.ErrorIs(t, err, domain.ErrForbidden)
		assert.Zero(t, f.generator.submitCalls)
	})

	t.Run("store read failure is retryable", func(t *testing.T) {
		f := newFixture(pendingJob())
		f.store.getErr = fmt.Errorf("connection reset")

		err := f.wf.Dispatch(ctx, f.store.job.JobID, "tenant-a")
		var retryable *domain.RetryableError
		assert.ErrorAs(t, err, &retryable)
	})

	t.Run("concurrent dispatch tolerates already-dispatched", func(t *testing.T) {
		f := newFixture(pendingJob())
		f.store.markSentErr = domain.ErrAlreadyDispatched

		err := f.wf.Dispatch(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)
		require.Len(t, f.publisher.messages, 1)
	})
}

func TestCheckCompletion(t *testing.T) {
	ctx := context.Background()

	t.Run("polls with the stored correlation ids", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusCompleted, Content: validContent}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, "tid-1", f.generator.lastPollIDs.ThreadID)
		assert.Equal(t, "mid-1", f.generator.lastPollIDs.MessageID)
		assert.Equal(t, 1, f.store.completeCalls)
	})

	t.Run("pending job defers via retryable", func(t *testing.T) {
		f := newFixture(pendingJob())

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		var retryable *domain.RetryableError
		require.ErrorAs(t, err, &retryable)
		assert.ErrorIs(t, err, domain.ErrNotDispatched)
	})

	t.Run("in-progress generation defers via retryable", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusInProgress}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		var retryable *domain.RetryableError
		require.ErrorAs(t, err, &retryable)
		assert.ErrorIs(t, err, domain.ErrGenerationNotFinished)
		assert.Zero(t, f.store.completeCalls)
		assert.Zero(t, f.store.failCalls)
	})

	t.Run("failed generation fails the job terminally", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusFailed, Error: "model unavailable"}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)
		assert.Equal(t, 1, f.store.failCalls)
		assert.Equal(t, "model unavailable", f.store.failMessage)
		assert.Zero(t, f.store.regenCalls)
	})

	t.Run("poll transport failure is retryable", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.generator.pollErr = fmt.Errorf("timeout")

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		var retryable *domain.RetryableError
		assert.ErrorAs(t, err, &retryable)
	})

	t.Run("terminal job is a no-op", func(t *testing.T) {
		job := sentJob(0)
		job.Status = domain.JobStatusFailed
		f := newFixture(job)

		err := f.wf.CheckCompletion(ctx, job.JobID, "tenant-a")
		require.NoError(t, err)
		assert.Zero(t, f.generator.pollCalls)
	})
}

func TestFinalize_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("valid content completes with fence-stripped result", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.generator.pollResult = &vq.PollResult{
			Status:  vq.PollStatusCompleted,
			Content: "```json\n" + validContent + "\n```",
		}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, 1, f.store.completeCalls)
		assert.Equal(t, validContent, f.store.completeResult)
		assert.True(t, json.Valid([]byte(f.store.completeResult)))
	})

	t.Run("invalid content below the bound triggers regeneration", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusCompleted, Content: "not json at all"}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, 1, f.generator.submitCalls)
		assert.Equal(t, 1, f.store.regenCalls)
		assert.Equal(t, "tid-1", f.store.regenFromTID)
		assert.Equal(t, "tid-new", f.store.regenIDs.ThreadID)
		assert.Zero(t, f.store.completeCalls)
		assert.Zero(t, f.store.failValCalls)

		require.Len(t, f.publisher.messages, 1)
		assert.Equal(t, domain.StagePoll, f.publisher.messages[0].Stage)
	})

	t.Run("final invalid generation fails with the regeneration count", func(t *testing.T) {
		f := newFixture(sentJob(2))
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusCompleted, Content: "still not json"}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, 1, f.store.failValCalls)
		assert.Equal(t, "tid-1", f.store.failValFromTID)
		assert.Equal(t, "validation failed after 3 regenerations", f.store.failValMessage)
		assert.Zero(t, f.generator.submitCalls)
		assert.Zero(t, f.store.regenCalls)
	})

	t.Run("regeneration submit failure leaves retry count untouched", func(t *testing.T) {
		f := newFixture(sentJob(1))
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusCompleted, Content: "bad"}
		f.generator.submitErr = fmt.Errorf("503")

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		var retryable *domain.RetryableError
		require.ErrorAs(t, err, &retryable)
		assert.Zero(t, f.store.regenCalls)
	})

	t.Run("losing the completion race is a no-op", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.store.completeErr = domain.ErrAlreadyFinalized
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusCompleted, Content: validContent}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)
	})

	t.Run("regeneration against a finalized job is a no-op", func(t *testing.T) {
		f := newFixture(sentJob(0))
		f.store.regenErr = domain.ErrAlreadyFinalized
		f.generator.pollResult = &vq.PollResult{Status: vq.PollStatusCompleted, Content: "bad"}

		err := f.wf.CheckCompletion(ctx, f.store.job.JobID, "tenant-a")
		require.NoError(t, err)
		assert.Empty(t, f.publisher.messages)
	})
}

func TestHandleCallback(t *testing.T) {
	ctx := context.Background()

	t.Run("completed callback finalizes the job", func(t *testing.T) {
		f := newFixture(sentJob(0))

		err := f.wf.HandleCallback(ctx, f.store.job.JobID, "tenant-a", &Callback{
			ThreadID: "tid-1",
			Status:   vq.PollStatusCompleted,
			Content:  validContent,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, f.store.completeCalls)
		assert.Zero(t, f.generator.pollCalls)
	})

	t.Run("failed callback fails the job", func(t *testing.T) {
		f := newFixture(sentJob(0))

		err := f.wf.HandleCallback(ctx, f.store.job.JobID, "tenant-a", &Callback{
			ThreadID: "tid-1",
			Status:   vq.PollStatusFailed,
			Error:    "generation crashed",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, f.store.failCalls)
		assert.Equal(t, "generation crashed", f.store.failMessage)
	})

	t.Run("callback from a superseded submission is dropped", func(t *testing.T) {
		job := sentJob(1)
		job.ThreadID = "tid-2"
		job.MessageID = "mid-2"
		f := newFixture(job)

		err := f.wf.HandleCallback(ctx, job.JobID, "tenant-a", &Callback{
			ThreadID: "tid-1",
			Status:   vq.PollStatusCompleted,
			Content:  validContent,
		})
		require.NoError(t, err)
		assert.Zero(t, f.store.completeCalls)
		assert.Zero(t, f.store.failCalls)
	})

	t.Run("stale callback with invalid content consumes no regeneration", func(t *testing.T) {
		job := sentJob(1)
		job.ThreadID = "tid-2"
		job.MessageID = "mid-2"
		f := newFixture(job)

		err := f.wf.HandleCallback(ctx, job.JobID, "tenant-a", &Callback{
			ThreadID: "tid-1",
			Status:   vq.PollStatusCompleted,
			Content:  "not json at all",
		})
		require.NoError(t, err)
		assert.Zero(t, f.generator.submitCalls)
		assert.Zero(t, f.store.regenCalls)
		assert.Zero(t, f.store.failValCalls)
	})

	t.Run("callback for an already-terminal job is a no-op", func(t *testing.T) {
		job := sentJob(0)
		job.Status = domain.JobStatusCompleted
		f := newFixture(job)

		err := f.wf.HandleCallback(ctx, job.JobID, "tenant-a", &Callback{
			Status:  vq.PollStatusCompleted,
			Content: validContent,
		})
		require.NoError(t, err)
		assert.Zero(t, f.store.completeCalls)
	})

	t.Run("callback before dispatch is rejected", func(t *testing.T) {
		f := newFixture(pendingJob())

		err := f.wf.HandleCallback(ctx, f.store.job.JobID, "tenant-a", &Callback{
			Status:  vq.PollStatusCompleted,
			Content: validContent,
		})
		assert.ErrorIs(t, err, domain.ErrNotDispatched)
	})

	t.Run("callback for another tenant's job is forbidden", func(t *testing.T) {
		f := newFixture(sentJob(0))

		err := f.wf.HandleCallback(ctx, f.store.job.JobID, "tenant-b", &Callback{
			Status:  vq.PollStatusCompleted,
			Content: validContent,
		})
		assert.ErrorIs(t, err, domain.ErrForbidden)
		assert.Zero(t, f.store.completeCalls)
	})

	t.Run("unknown job", func(t *testing.T) {
		f := newFixture(sentJob(0))

		err := f.wf.HandleCallback(ctx, "22222222-2222-2222-2222-222222222222", "tenant-a", &Callback{
			Status: vq.PollStatusCompleted,
		})
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestErrorTaxonomy(t *testing.T) {
	t.Run("retryable errors unwrap", func(t *testing.T) {
		base := errors.New("boom")
		wrapped := domain.NewRetryableError(base)

		var retryable *domain.RetryableError
		require.ErrorAs(t, wrapped, &retryable)
		assert.ErrorIs(t, wrapped, base)
	})

	t.Run("terminal errors are not retryable", func(t *testing.T) {
		var retryable *domain.RetryableError
		for _, err := range []error{
			domain.ErrInvalidInput,
			domain.ErrTenantConfigNotFound,
			domain.ErrSignatureMismatch,
			domain.ErrForbidden,
		} {
			assert.False(t, errors.As(err, &retryable), "%v must not be retryable", err)
		}
	})
}
