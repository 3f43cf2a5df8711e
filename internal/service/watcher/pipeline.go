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
	"github.com/splax/localvercel/edge/internal/service/telemetry"
)

// run carries per-pipeline state between stages.
type run struct {
	id   string
	dir  string
	desc *descriptor.Descriptor
	prev *domain.DeploymentStatus
}

// pipeline runs one deployment from building to success or failed. The
// caller holds the in-flight marker for t.id.
func (w *Watcher) pipeline(ctx context.Context, t target) (err error) {
	r := &run{id: t.id, dir: t.dir}
	r.prev, _ = w.statuses.GetStatus(ctx, t.id)
	w.transition(ctx, r, domain.StateBuilding, "")
	w.logger.Info("deployment pipeline started", "deployment_id", r.id, "path", r.dir)

	defer func() {
		if err != nil {
			w.failed(ctx, r, err)
		}
	}()

	if err := w.extract(ctx, t); err != nil {
		return err
	}

	desc, _, err := descriptor.Load(r.dir)
	if err != nil {
		return err
	}
	r.desc = desc
	if err := desc.Validate(); err != nil {
		return err
	}

	if w.ws.IsTopLevel(r.dir) && desc.CustomerID != "" {
		release, err := w.relocate(ctx, r)
		if err != nil {
			return err
		}
		defer release()
	}

	env := desc.BuildEnv()
	for _, hook := range desc.Hooks.PreDeploy {
		if _, err := w.shell(ctx, r, "preDeploy", hook, env); err != nil {
			return err
		}
	}
	if desc.Build.Command != "" {
		if _, err := w.shell(ctx, r, "build", desc.Build.Command, env); err != nil {
			return err
		}
	}

	result, err := w.registrar.Register(ctx, desc, r.dir)
	if err != nil {
		return err
	}

	for _, hook := range desc.Hooks.PostDeploy {
		if _, err := w.shell(ctx, r, "postDeploy", hook, env); err != nil {
			return err
		}
	}

	w.succeeded(ctx, r, result.ComputeID)
	return nil
}

// extract unpacks the target archive, or the single archive in the
// directory, then deletes it.
func (w *Watcher) extract(ctx context.Context, t target) error {
	src := t.archive
	if src == "" {
		found, ok := archive.FindSingle(t.dir)
		if !ok {
			return nil
		}
		src = found
	}
	if err := w.extractor.Extract(ctx, src, t.dir); err != nil {
		if errors.Is(err, domain.ErrExtraction) {
			w.keepFailedArchive(src, t.dir)
		}
		return err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("remove extracted archive failed", "archive", src, "error", err)
	}
	return nil
}

// keepFailedArchive moves a rejected top-level archive into its deployment
// directory so the root stays clean and Retry can find it.
func (w *Watcher) keepFailedArchive(src, dir string) {
	if !w.ws.IsTopLevel(src) || !dirExists(dir) {
		return
	}
	dest := filepath.Join(dir, filepath.Base(src))
	if err := os.Rename(src, dest); err != nil {
		w.logger.Warn("park failed archive", "archive", src, "error", err)
	}
}

// relocate moves a top-level deployment to <root>/<customer>/<name>. The new
// identifier is claimed before the move so a watch event on either path is
// a no-op until the pipeline finishes. The returned func releases it.
func (w *Watcher) relocate(ctx context.Context, r *run) (func(), error) {
	newDir, err := w.ws.CustomerPath(r.desc.CustomerID, r.desc.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	newID, err := w.ws.ID(newDir)
	if err != nil {
		return nil, err
	}
	if !w.acquire(newID) {
		return nil, fmt.Errorf("%w: deployment %s is already being processed", domain.ErrConflict, newID)
	}
	moved, err := w.ws.Relocate(r.dir, r.desc.CustomerID, r.desc.Name)
	if err != nil {
		w.release(newID)
		return nil, err
	}
	oldID := r.id
	w.logger.Info("deployment relocated", "deployment_id", newID, "from", oldID)
	if err := w.statuses.DeleteStatus(ctx, oldID); err != nil && !isNotFound(err) {
		w.logger.Warn("drop status for relocated deployment failed", "deployment_id", oldID, "error", err)
	}
	r.id, r.dir = newID, moved
	r.prev, _ = w.statuses.GetStatus(ctx, newID)
	w.transition(ctx, r, domain.StateBuilding, "")
	return func() { w.release(newID) }, nil
}

func (w *Watcher) transition(ctx context.Context, r *run, state domain.DeploymentState, reason string) domain.DeploymentStatus {
	status := domain.DeploymentStatus{ID: r.id, Path: r.dir}
	if r.prev != nil {
		status = *r.prev
		status.ID, status.Path = r.id, r.dir
	}
	status.State = state
	status.Error = reason
	status.UpdatedAt = w.now().UTC()
	if r.desc != nil {
		status.Domains = r.desc.Domains()
		status.Framework = r.desc.FrameworkValue()
		status.CustomerID = r.desc.CustomerID
	}
	w.store(ctx, status)
	r.prev = &status
	return status
}

func (w *Watcher) store(ctx context.Context, status domain.DeploymentStatus) {
	if err := w.statuses.PutStatus(ctx, status); err != nil {
		w.logger.Error("persist deployment status failed", "deployment_id", status.ID, "state", status.State, "error", err)
	}
	w.publish(status)
}

func (w *Watcher) succeeded(ctx context.Context, r *run, computeID string) {
	now := w.now().UTC()
	if err := writeDeployed(r.dir, r.desc, now); err != nil {
		w.logger.Warn("write deployed marker failed", "deployment_id", r.id, "error", err)
	}
	if r.prev != nil {
		r.prev.ComputeID = computeID
	}
	status := w.transition(ctx, r, domain.StateSuccess, "")
	w.logger.Info("deployment succeeded",
		"deployment_id", r.id,
		"domains", status.Domains,
		"framework", string(status.Framework),
		"compute_id", computeID,
	)
	w.sink.RecordEvent(telemetry.Event{
		Type:         telemetry.EventDeploySucceeded,
		Domain:       firstDomain(status.Domains),
		DeploymentID: r.id,
		CustomerID:   status.CustomerID,
		ComputeID:    computeID,
		Message:      "deployment succeeded",
		OccurredAt:   now,
	})
}

func (w *Watcher) failed(ctx context.Context, r *run, cause error) {
	now := w.now().UTC()
	entry := domain.FailureEntry{Timestamp: now, Error: cause.Error()}
	if dirExists(r.dir) {
		if _, err := appendFailed(r.dir, entry); err != nil {
			w.logger.Warn("write failed marker failed", "deployment_id", r.id, "error", err)
		}
	}
	if r.prev != nil {
		r.prev.Failures = domain.AppendFailure(r.prev.Failures, entry)
	} else {
		r.prev = &domain.DeploymentStatus{Failures: []domain.FailureEntry{entry}}
	}
	status := w.transition(ctx, r, domain.StateFailed, cause.Error())
	w.logger.Error("deployment failed", "deployment_id", r.id, "error", cause)
	w.sink.RecordEvent(telemetry.Event{
		Type:         telemetry.EventDeployFailed,
		Domain:       firstDomain(status.Domains),
		DeploymentID: r.id,
		CustomerID:   status.CustomerID,
		Message:      cause.Error(),
		Level:        "error",
		OccurredAt:   now,
	})
}

func firstDomain(domains []string) string {
	if len(domains) == 0 {
		return ""
	}
	return domains[0]
}
