package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/service/archive"
	"github.com/splax/localvercel/edge/internal/service/descriptor"
)

// reasonCancelled is recorded by Cancel.
const reasonCancelled = "cancelled by operator"

// Status returns the recorded status for a deployment identifier.
func (w *Watcher) Status(ctx context.Context, id string) (*domain.DeploymentStatus, error) {
	return w.statuses.GetStatus(ctx, id)
}

// Statuses lists every recorded deployment status.
func (w *Watcher) Statuses(ctx context.Context) ([]domain.DeploymentStatus, error) {
	return w.statuses.ListStatuses(ctx)
}

// Retry clears the failure marker and re-touches the deployment's trigger
// file so the pipeline restarts from scratch.
func (w *Watcher) Retry(ctx context.Context, id string) error {
	dir, err := w.ws.Path(id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !dirExists(dir) {
		return fmt.Errorf("%w: deployment %s", domain.ErrNotFound, id)
	}
	if w.busy(id) {
		return fmt.Errorf("%w: deployment %s is already being processed", domain.ErrConflict, id)
	}
	if err := clearFailed(dir); err != nil {
		return fmt.Errorf("clear failed marker: %w", err)
	}
	trigger := triggerPath(dir)
	now := w.now()
	if fileExists(trigger) {
		if err := os.Chtimes(trigger, now, now); err != nil {
			return fmt.Errorf("touch %s: %w", filepath.Base(trigger), err)
		}
	} else if err := os.WriteFile(trigger, nil, 0o644); err != nil {
		return fmt.Errorf("create trigger file: %w", err)
	}
	if !w.Trigger(dir) {
		return fmt.Errorf("%w: deployment %s could not be queued", domain.ErrConflict, id)
	}
	w.logger.Info("deployment retry requested", "deployment_id", id)
	return nil
}

// Cancel records the deployment as failed. Work already running is not
// interrupted and may still overwrite the status when it finishes.
func (w *Watcher) Cancel(ctx context.Context, id string) error {
	status, err := w.statuses.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if status.State != domain.StatePending && status.State != domain.StateBuilding && !w.busy(id) {
		return fmt.Errorf("%w: deployment %s is %s", domain.ErrConflict, id, status.State)
	}
	entry := domain.FailureEntry{Timestamp: w.now().UTC(), Error: reasonCancelled}
	if dir, err := w.ws.Path(id); err == nil && dirExists(dir) {
		if _, err := appendFailed(dir, entry); err != nil {
			w.logger.Warn("write failed marker failed", "deployment_id", id, "error", err)
		}
	}
	status.Failures = domain.AppendFailure(status.Failures, entry)
	status.State = domain.StateFailed
	status.Error = reasonCancelled
	status.UpdatedAt = entry.Timestamp
	w.store(ctx, *status)
	w.logger.Warn("deployment cancelled", "deployment_id", id)
	return nil
}

// Remove runs preStop hooks, deregisters the deployment's routes, stops its
// compute unit and deletes its folder and status.
func (w *Watcher) Remove(ctx context.Context, id string) error {
	dir, err := w.ws.Path(id)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !w.acquire(id) {
		return fmt.Errorf("%w: deployment %s is being processed", domain.ErrConflict, id)
	}
	defer w.release(id)

	status, statusErr := w.statuses.GetStatus(ctx, id)
	if statusErr != nil && !isNotFound(statusErr) {
		return statusErr
	}
	exists := dirExists(dir)
	if !exists && status == nil {
		return fmt.Errorf("%w: deployment %s", domain.ErrNotFound, id)
	}

	var errs []error
	desc, _, loadErr := descriptor.Load(dir)
	if loadErr == nil {
		r := &run{id: id, dir: dir, desc: desc}
		for _, hook := range desc.Hooks.PreStop {
			if _, err := w.shell(ctx, r, "preStop", hook, desc.BuildEnv()); err != nil {
				w.logger.Warn("preStop hook failed", "deployment_id", id, "error", err)
			}
		}
		if _, err := w.registrar.DeregisterOwner(ctx, desc.Owner(), "deployment removed"); err != nil {
			errs = append(errs, err)
		}
	} else {
		groups, _ := w.deployedRoutes(ctx)
		for _, route := range groups[dir] {
			if err := w.registrar.Deregister(ctx, route, "deployment removed"); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if exists {
		if err := w.ws.Cleanup(dir); err != nil {
			errs = append(errs, fmt.Errorf("delete deployment folder: %w", err))
		}
	}
	if err := w.statuses.DeleteStatus(ctx, id); err != nil && !isNotFound(err) {
		errs = append(errs, err)
	}
	w.logger.Info("deployment removed", "deployment_id", id)
	return errors.Join(errs...)
}

// triggerPath is the file Retry touches: the descriptor when present, the
// single archive otherwise, else the .deploy trigger file.
func triggerPath(dir string) string {
	if path, ok := descriptor.Find(dir); ok {
		return path
	}
	if path, ok := archive.FindSingle(dir); ok {
		return path
	}
	return filepath.Join(dir, triggerFile)
}

