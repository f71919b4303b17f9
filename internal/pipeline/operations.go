package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/substack-intel/internal/lock"
	"github.com/sells-group/substack-intel/internal/model"
	"github.com/sells-group/substack-intel/internal/store"
)

// tenantConcurrency caps how many tenants RunAll processes at once.
const tenantConcurrency = 4

// Status returns the latest progress event for userID.
func (o *Orchestrator) Status(ctx context.Context, userID string) (model.Progress, error) {
	return o.progress.Get(ctx, userID)
}

// ResetFailed moves every failed email of userID back to unprocessed and
// returns how many were reset.
func (o *Orchestrator) ResetFailed(ctx context.Context, userID string) (int, error) {
	n, err := o.store.ResetEmails(ctx, userID, model.EmailStatusFailed)
	if err != nil {
		return 0, eris.Wrapf(err, "pipeline: reset failed emails for %s", userID)
	}
	zap.L().Info("pipeline: reset failed emails", zap.String("user_id", userID), zap.Int("count", n))
	return n, nil
}

// ResetEmail moves one failed or stuck email back to unprocessed. A
// processing email is only reset while no run holds the tenant lock.
func (o *Orchestrator) ResetEmail(ctx context.Context, emailID string) error {
	email, err := o.store.GetEmail(ctx, emailID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: reset email %s", emailID)
	}

	switch email.Status {
	case model.EmailStatusUnprocessed:
		return nil
	case model.EmailStatusFailed:
	case model.EmailStatusProcessing:
		lease, err := o.locker.Acquire(ctx, lock.TenantKey(email.UserID), o.opts.LockTTL)
		if err != nil {
			return eris.Wrapf(err, "pipeline: reset email %s", emailID)
		}
		defer func() {
			rctx, cancel := detached(ctx)
			defer cancel()
			if relErr := lease.Release(rctx); relErr != nil {
				zap.L().Warn("pipeline: failed to release lock", zap.String("user_id", email.UserID), zap.Error(relErr))
			}
		}()
	default:
		return eris.Wrapf(store.ErrIllegalTransition, "pipeline: reset %s email %s", email.Status, emailID)
	}

	err = o.store.TransitionEmail(ctx, emailID, model.Transition{
		From: email.Status,
		To:   model.EmailStatusUnprocessed,
	})
	return eris.Wrapf(err, "pipeline: reset email %s", emailID)
}

// Unlock stops the tenant's run in this process, force-releases the tenant
// lock, returns orphaned processing emails to the queue and resets the
// reported status to idle.
func (o *Orchestrator) Unlock(ctx context.Context, userID string) error {
	if err := o.stopActive(ctx, userID); err != nil {
		return err
	}
	if err := o.locker.ForceRelease(ctx, lock.TenantKey(userID)); err != nil {
		return eris.Wrapf(err, "pipeline: unlock %s", userID)
	}
	n, err := o.store.ResetEmails(ctx, userID, model.EmailStatusProcessing)
	if err != nil {
		return eris.Wrapf(err, "pipeline: unlock %s", userID)
	}
	if err := o.progress.Clear(ctx, userID); err != nil {
		return eris.Wrapf(err, "pipeline: unlock %s", userID)
	}
	zap.L().Warn("pipeline: lock force-released", zap.String("user_id", userID), zap.Int("emails_reset", n))
	return nil
}

// Tenants returns every user with a stored mailbox credential plus the
// configured default user.
func (o *Orchestrator) Tenants(ctx context.Context) ([]string, error) {
	users, err := o.store.ListTenants(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list tenants")
	}
	seen := make(map[string]bool, len(users)+1)
	var out []string
	for _, u := range append(users, o.opts.DefaultUserID) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// RunAll fetches and processes mail for every tenant. Tenants
// already running are skipped. One tenant's failure does not stop the
// others; their errors are joined.
func (o *Orchestrator) RunAll(ctx context.Context, trigger model.Trigger) ([]*RunSummary, error) {
	tenants, err := o.Tenants(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu        sync.Mutex
		summaries []*RunSummary
		errs      []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tenantConcurrency)
	for _, userID := range tenants {
		g.Go(func() error {
			sum, runErr := o.Run(gctx, RunRequest{UserID: userID, Trigger: trigger, ForceRefresh: true})
			mu.Lock()
			defer mu.Unlock()
			if sum != nil {
				summaries = append(summaries, sum)
			}
			switch {
			case runErr == nil:
			case errors.Is(runErr, lock.ErrLocked):
				zap.L().Info("pipeline: tenant already running, skipped", zap.String("user_id", userID))
			default:
				errs = append(errs, runErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].UserID < summaries[j].UserID })
	return summaries, errors.Join(errs...)
}
