// Package pipeline runs newsletter ingestion and company extraction for a
// tenant: fetch, normalize, extract, resolve, record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/substack-intel/internal/extract"
	"github.com/sells-group/substack-intel/internal/lock"
	"github.com/sells-group/substack-intel/internal/mailbox"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/normalize"
	"github.com/sells-group/substack-intel/internal/resilience"
	"github.com/sells-group/substack-intel/internal/resolve"
	"github.com/sells-group/substack-intel/internal/store"
)

const (
	DefaultBatchSize = 50
	DefaultLockTTL   = 10 * time.Minute

	// cleanupTimeout bounds the bookkeeping done after a run's context ends.
	cleanupTimeout = 10 * time.Second
)

// MailboxSource opens the mailbox connector for a tenant.
type MailboxSource interface {
	ForUser(ctx context.Context, userID string) (mailbox.Connector, error)
}

// Extractor finds company candidates in cleaned newsletter text.
type Extractor interface {
	ExtractCompanies(ctx context.Context, cleanText, newsletterName string) (*extract.ExtractionResult, error)
}

// Recorder resolves candidates to companies and records their mentions.
type Recorder interface {
	RecordAll(ctx context.Context, userID, emailID string, candidates []model.Candidate) ([]resolve.Resolution, error)
}

// Options tunes an Orchestrator. Zero values take defaults.
type Options struct {
	BatchSize    int
	LockTTL      time.Duration
	LookbackDays int
	MaxResults   int
	MailboxRetry resilience.RetryConfig
	// DefaultUserID is always included in RunAll.
	DefaultUserID string
}

// RunRequest asks for one pipeline run for a tenant.
type RunRequest struct {
	UserID       string        `json:"user_id"`
	Trigger      model.Trigger `json:"trigger"`
	ForceRefresh bool          `json:"force_refresh"`
	LookbackDays int           `json:"lookback_days,omitempty"`
	BatchSize    int           `json:"batch_size,omitempty"`
}

// RunSummary reports what a run did.
type RunSummary struct {
	RunID      string          `json:"run_id"`
	UserID     string          `json:"user_id"`
	Trigger    model.Trigger   `json:"trigger"`
	Status     model.RunStatus `json:"status"`
	Recovered  int             `json:"recovered"`
	Fetched    int             `json:"fetched"`
	Ingested   int             `json:"ingested"`
	Selected   int             `json:"selected"`
	Processed  int             `json:"processed"`
	Failed     int             `json:"failed"`
	Companies  int             `json:"companies"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Orchestrator drives pipeline runs. Runs for the same tenant are serialized
// through the Locker; different tenants may run concurrently.
type Orchestrator struct {
	store      store.Store
	locker     lock.Locker
	mailboxes  MailboxSource
	normalizer *normalize.Normalizer
	extractor  Extractor
	recorder   Recorder
	progress   *Broadcaster
	opts       Options

	mu     sync.Mutex
	active map[string]*activeRun
}

// activeRun is a run executing in this process. done closes after the run
// has released its lock and reset its in-flight email.
type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// ErrUnlocked is the cancellation cause of a run stopped by Unlock.
var ErrUnlocked = eris.New("pipeline: run stopped by unlock")

// New creates an Orchestrator with all dependencies.
func New(
	st store.Store,
	locker lock.Locker,
	mailboxes MailboxSource,
	norm *normalize.Normalizer,
	ex Extractor,
	rec Recorder,
	progress *Broadcaster,
	opts Options,
) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = mailbox.DefaultMaxResults
	}
	if opts.MailboxRetry.MaxAttempts == 0 {
		opts.MailboxRetry = resilience.MailboxPolicy()
	}
	if norm == nil {
		norm = normalize.Default()
	}
	if progress == nil {
		progress = NewBroadcaster(st)
	}
	return &Orchestrator{
		store:      st,
		locker:     locker,
		mailboxes:  mailboxes,
		normalizer: norm,
		extractor:  ex,
		recorder:   rec,
		progress:   progress,
		opts:       opts,
		active:     make(map[string]*activeRun),
	}
}

// Progress returns the broadcaster runs report to.
func (o *Orchestrator) Progress() *Broadcaster { return o.progress }

// RunResult is the outcome of a run started with Start.
type RunResult struct {
	Summary *RunSummary
	Err     error
}

// Run executes one pipeline run for req.UserID. It returns an error wrapping
// lock.ErrLocked, without touching any email, when the tenant already has a
// run in progress. Once the lock is held the summary is always returned; the
// error is non-nil when the run failed or was cancelled.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunSummary, error) {
	lease, err := o.acquire(ctx, &req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, req, lease, uuid.NewString())
}

// Start takes the tenant lock and runs the pipeline in the background. Lock
// contention is reported synchronously. The returned channel receives the
// result once the run ends.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (string, <-chan RunResult, error) {
	lease, err := o.acquire(ctx, &req)
	if err != nil {
		return "", nil, err
	}
	runID := uuid.NewString()
	done := make(chan RunResult, 1)
	go func() {
		sum, err := o.execute(ctx, req, lease, runID)
		done <- RunResult{Summary: sum, Err: err}
	}()
	return runID, done, nil
}

func (o *Orchestrator) acquire(ctx context.Context, req *RunRequest) (lock.Lease, error) {
	if req.UserID == "" {
		return nil, eris.New("pipeline: user id is required")
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}
	lease, err := o.locker.Acquire(ctx, lock.TenantKey(req.UserID), o.opts.LockTTL)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: lock %s", req.UserID)
	}
	return lease, nil
}

// execute runs the pipeline while holding lease and releases it on return.
func (o *Orchestrator) execute(ctx context.Context, req RunRequest, lease lock.Lease, runID string) (*RunSummary, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = o.opts.BatchSize
	}

	sum := &RunSummary{
		RunID:     runID,
		UserID:    req.UserID,
		Trigger:   req.Trigger,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	log := zap.L().With(
		zap.String("user_id", req.UserID),
		zap.String("run_id", sum.RunID),
		zap.String("trigger", string(req.Trigger)),
	)
	log.Info("pipeline: run starting", zap.Bool("force_refresh", req.ForceRefresh))

	runCtx, cancel := context.WithCancelCause(ctx)
	run := o.track(req.UserID, cancel)
	defer o.untrack(req.UserID, run)

	stopHeartbeat := lock.Heartbeat(runCtx, lease, o.opts.LockTTL/3, func(err error) {
		cancel(err)
	})
	defer func() {
		stopHeartbeat()
		cancel(nil)
		rctx, rcancel := detached(ctx)
		defer rcancel()
		if relErr := lease.Release(rctx); relErr != nil {
			log.Warn("pipeline: failed to release lock", zap.Error(relErr))
		}
	}()

	report := func(message string, pct int) {
		p := model.Progress{
			UserID:             req.UserID,
			RunID:              sum.RunID,
			Status:             sum.Status,
			Progress:           pct,
			Message:            message,
			EmailsProcessed:    sum.Processed,
			EmailsFailed:       sum.Failed,
			CompaniesExtracted: sum.Companies,
			LastError:          sum.Error,
		}
		o.setProgress(ctx, p)
	}

	report("starting", 0)

	// With the lock held no other run owns a processing email.
	var err error
	sum.Recovered, err = o.store.ResetEmails(runCtx, req.UserID, model.EmailStatusProcessing)
	if err != nil {
		return o.finish(ctx, sum, log, report, eris.Wrap(err, "pipeline: recover stuck emails"))
	}
	if sum.Recovered > 0 {
		log.Info("pipeline: recovered stuck emails", zap.Int("count", sum.Recovered))
	}

	if req.ForceRefresh || req.Trigger == model.TriggerScheduled {
		report("fetching newsletters", 0)
		lookback := req.LookbackDays
		if lookback <= 0 {
			lookback = o.opts.LookbackDays
		}
		sum.Fetched, sum.Ingested, err = o.ingest(runCtx, req.UserID, lookback)
		switch {
		case err == nil:
			log.Info("pipeline: ingest complete",
				zap.Int("fetched", sum.Fetched),
				zap.Int("inserted", sum.Ingested),
			)
		case runCtx.Err() != nil:
			return o.finish(ctx, sum, log, report, context.Cause(runCtx))
		case resilience.IsFatal(err):
			return o.finish(ctx, sum, log, report, err)
		default:
			// The stored backlog can still be processed.
			sum.Error = err.Error()
			log.Warn("pipeline: ingest failed, processing stored backlog", zap.Error(err))
		}
	}

	emails, err := o.store.ListEmails(runCtx, store.EmailFilter{
		UserID: req.UserID,
		Status: model.EmailStatusUnprocessed,
		Limit:  batchSize,
	})
	if err != nil {
		if runCtx.Err() != nil {
			return o.finish(ctx, sum, log, report, context.Cause(runCtx))
		}
		return o.finish(ctx, sum, log, report, eris.Wrap(err, "pipeline: select batch"))
	}
	sum.Selected = len(emails)
	if len(emails) == 0 {
		log.Info("pipeline: no unprocessed emails")
	}

	for i, email := range emails {
		if runCtx.Err() != nil {
			return o.finish(ctx, sum, log, report, context.Cause(runCtx))
		}

		o.setProgress(ctx, model.Progress{
			UserID:              req.UserID,
			RunID:               sum.RunID,
			Status:              model.RunStatusRunning,
			Progress:            percent(i, len(emails)),
			Message:             fmt.Sprintf("processing email %d of %d", i+1, len(emails)),
			EmailsProcessed:     sum.Processed,
			EmailsFailed:        sum.Failed,
			CompaniesExtracted:  sum.Companies,
			CurrentEmailSubject: email.Subject,
			LastError:           sum.Error,
		})

		n, procErr := o.processEmail(runCtx, log, email)
		switch {
		case procErr == nil:
			sum.Processed++
			sum.Companies += n
		case errors.Is(procErr, errSkipped):
			log.Warn("pipeline: email no longer unprocessed, skipping", zap.String("email_id", email.ID))
		case runCtx.Err() != nil || resilience.IsFatal(procErr):
			o.resetInFlight(ctx, log, email.ID)
			if runCtx.Err() != nil {
				return o.finish(ctx, sum, log, report, context.Cause(runCtx))
			}
			return o.finish(ctx, sum, log, report, procErr)
		default:
			sum.Failed++
			sum.Error = procErr.Error()
			o.markFailed(ctx, log, email.ID, procErr)
		}

		report(fmt.Sprintf("processed %d of %d emails", i+1, len(emails)), percent(i+1, len(emails)))
	}

	return o.finish(ctx, sum, log, report, nil)
}

func (o *Orchestrator) track(userID string, cancel context.CancelCauseFunc) *activeRun {
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.active[userID] = run
	o.mu.Unlock()
	return run
}

func (o *Orchestrator) untrack(userID string, run *activeRun) {
	o.mu.Lock()
	if o.active[userID] == run {
		delete(o.active, userID)
	}
	o.mu.Unlock()
	close(run.done)
}

// stopActive cancels the tenant's run in this process, if any, and waits
// until it has cleaned up.
func (o *Orchestrator) stopActive(ctx context.Context, userID string) error {
	o.mu.Lock()
	run := o.active[userID]
	o.mu.Unlock()
	if run == nil {
		return nil
	}
	run.cancel(ErrUnlocked)
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "pipeline: wait for run of %s to stop", userID)
	}
}

// errSkipped marks an email that left the unprocessed state before this run
// could claim it.
var errSkipped = eris.New("pipeline: email skipped")

// processEmail claims email, extracts its companies and records them. The
// email is left in processing on error; the caller decides where it goes.
func (o *Orchestrator) processEmail(ctx context.Context, log *zap.Logger, email model.Email) (int, error) {
	log = log.With(zap.String("email_id", email.ID), zap.String("newsletter", email.NewsletterName))

	err := o.store.TransitionEmail(ctx, email.ID, model.Transition{
		From: model.EmailStatusUnprocessed,
		To:   model.EmailStatusProcessing,
	})
	if errors.Is(err, store.ErrIllegalTransition) {
		return 0, errSkipped
	}
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: claim email %s", email.ID)
	}

	cleanText, newsletter := email.CleanText, email.NewsletterName
	if cleanText == "" {
		nc := o.normalizer.NormalizeBody(email.RawContent, email.Sender, email.Subject)
		cleanText = nc.CleanText
		if newsletter == "" || newsletter == model.UnknownNewsletter {
			newsletter = nc.NewsletterName
		}
		if err := o.store.SetCleanContent(ctx, email.ID, model.NormalizedContent{
			CleanText:      nc.CleanText,
			NewsletterName: newsletter,
		}); err != nil {
			log.Warn("pipeline: failed to save clean content", zap.Error(err))
		}
	}

	res, err := o.extractor.ExtractCompanies(ctx, cleanText, newsletter)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: extract email %s", email.ID)
	}
	if res.ParseFailed {
		log.Warn("pipeline: extraction response unparseable, recording no companies")
	}

	resolutions, err := o.recorder.RecordAll(ctx, email.UserID, email.ID, res.Companies)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: record mentions for email %s", email.ID)
	}

	err = o.store.TransitionEmail(ctx, email.ID, model.Transition{
		From:               model.EmailStatusProcessing,
		To:                 model.EmailStatusCompleted,
		CompaniesExtracted: len(resolutions),
	})
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: complete email %s", email.ID)
	}

	log.Info("pipeline: email processed",
		zap.Int("companies", len(resolutions)),
		zap.Int("dropped", res.Dropped),
	)
	return len(resolutions), nil
}

func (o *Orchestrator) ingest(ctx context.Context, userID string, lookbackDays int) (fetched, inserted int, err error) {
	conn, err := o.mailboxes.ForUser(ctx, userID)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "pipeline: open mailbox for %s", userID)
	}

	msgs, err := resilience.DoVal(ctx, o.opts.MailboxRetry, func(ctx context.Context) ([]model.RawMessage, error) {
		return conn.FetchRecentMessages(ctx, lookbackDays, o.opts.MaxResults)
	})
	if err != nil {
		return 0, 0, eris.Wrap(err, "pipeline: fetch newsletters")
	}

	now := time.Now().UTC()
	emails := make([]model.Email, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageID == "" {
			continue
		}
		nc := o.normalizer.Normalize(m)
		received := m.ReceivedAt
		if received.IsZero() {
			received = now
		}
		emails = append(emails, model.Email{
			UserID:         userID,
			MessageID:      m.MessageID,
			Subject:        m.Subject,
			Sender:         m.Sender,
			NewsletterName: nc.NewsletterName,
			ReceivedAt:     received,
			RawContent:     m.Body(),
			CleanText:      nc.CleanText,
		})
	}

	inserted, err = o.store.InsertEmails(ctx, emails)
	if err != nil {
		return len(msgs), 0, eris.Wrap(err, "pipeline: store newsletters")
	}
	return len(msgs), inserted, nil
}

// finish records the run outcome. cause is nil for a completed run.
func (o *Orchestrator) finish(ctx context.Context, sum *RunSummary, log *zap.Logger, report func(string, int), cause error) (*RunSummary, error) {
	sum.FinishedAt = time.Now().UTC()

	var message string
	var err error
	switch {
	case cause == nil:
		sum.Status = model.RunStatusComplete
		message = fmt.Sprintf("complete: %d processed, %d failed, %d companies", sum.Processed, sum.Failed, sum.Companies)
		log.Info("pipeline: run complete",
			zap.Int("processed", sum.Processed),
			zap.Int("failed", sum.Failed),
			zap.Int("companies", sum.Companies),
			zap.Duration("duration", sum.FinishedAt.Sub(sum.StartedAt)),
		)
	case errors.Is(cause, lock.ErrLost):
		sum.Status = model.RunStatusFailed
		sum.Error = cause.Error()
		message = "lock lost"
		err = eris.Wrap(cause, "pipeline: run aborted")
		log.Error("pipeline: lock lost, run aborted")
	case errors.Is(cause, ErrUnlocked) || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded):
		sum.Status = model.RunStatusCancelled
		message = "cancelled"
		err = eris.Wrap(cause, "pipeline: run cancelled")
		log.Warn("pipeline: run cancelled", zap.Int("processed", sum.Processed))
	default:
		sum.Status = model.RunStatusFailed
		sum.Error = cause.Error()
		message = "failed: " + cause.Error()
		err = cause
		log.Error("pipeline: run failed", zap.Error(cause))
	}

	pct := 100
	if sum.Status != model.RunStatusComplete {
		pct = percent(sum.Processed+sum.Failed, sum.Selected)
	}
	report(message, pct)
	return sum, err
}

// resetInFlight puts an email claimed by an interrupted run back in the
// queue. It runs on a detached context so cancellation cannot skip it.
func (o *Orchestrator) resetInFlight(ctx context.Context, log *zap.Logger, emailID string) {
	dctx, cancel := detached(ctx)
	defer cancel()
	err := o.store.TransitionEmail(dctx, emailID, model.Transition{
		From: model.EmailStatusProcessing,
		To:   model.EmailStatusUnprocessed,
	})
	if err != nil && !errors.Is(err, store.ErrIllegalTransition) {
		log.Error("pipeline: failed to reset in-flight email", zap.String("email_id", emailID), zap.Error(err))
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, log *zap.Logger, emailID string, cause error) {
	dctx, cancel := detached(ctx)
	defer cancel()
	log.Warn("pipeline: email failed", zap.String("email_id", emailID), zap.Error(cause))
	err := o.store.TransitionEmail(dctx, emailID, model.Transition{
		From:         model.EmailStatusProcessing,
		To:           model.EmailStatusFailed,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		log.Error("pipeline: failed to mark email failed", zap.String("email_id", emailID), zap.Error(err))
	}
}

func (o *Orchestrator) setProgress(ctx context.Context, p model.Progress) {
	dctx, cancel := detached(ctx)
	defer cancel()
	if err := o.progress.Set(dctx, p); err != nil {
		zap.L().Warn("pipeline: failed to update progress", zap.String("user_id", p.UserID), zap.Error(err))
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func percent(done, total int) int {
	if total <= 0 {
		return 100
	}
	return done * 100 / total
}
