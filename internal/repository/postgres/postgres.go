package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/repository"
)

// Repository implements StatusRepository on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.StatusRepository = (*Repository)(nil)

const statusColumns = `id, state, updated_at, error, domains, framework, customer_id, compute_id, path, failures`

// PutStatus upserts the record for status.ID.
func (r *Repository) PutStatus(ctx context.Context, status domain.DeploymentStatus) error {
	const query = `INSERT INTO deployment_statuses (` + statusColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at,
			error = EXCLUDED.error,
			domains = EXCLUDED.domains,
			framework = EXCLUDED.framework,
			customer_id = EXCLUDED.customer_id,
			compute_id = EXCLUDED.compute_id,
			path = EXCLUDED.path,
			failures = EXCLUDED.failures`
	domains, err := json.Marshal(nonNilStrings(status.Domains))
	if err != nil {
		return fmt.Errorf("encode domains: %w", err)
	}
	failures, err := json.Marshal(nonNilFailures(status.Failures))
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}
	_, err = r.pool.Exec(ctx, query,
		status.ID,
		string(status.State),
		status.UpdatedAt.UTC(),
		status.Error,
		domains,
		string(status.Framework),
		status.CustomerID,
		status.ComputeID,
		status.Path,
		failures,
	)
	return err
}

// GetStatus fetches one deployment record.
func (r *Repository) GetStatus(ctx context.Context, id string) (*domain.DeploymentStatus, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+statusColumns+` FROM deployment_statuses WHERE id = $1`, id)
	status, err := scanStatus(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return status, nil
}

// ListStatuses returns every record ordered by id.
func (r *Repository) ListStatuses(ctx context.Context) ([]domain.DeploymentStatus, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+statusColumns+` FROM deployment_statuses ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeploymentStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *status)
	}
	return out, rows.Err()
}

// DeleteStatus removes a record. Missing ids are not an error.
func (r *Repository) DeleteStatus(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM deployment_statuses WHERE id = $1`, id)
	return err
}

func scanStatus(row pgx.Row) (*domain.DeploymentStatus, error) {
	var (
		status              domain.DeploymentStatus
		state, framework    string
		domainsRaw, failRaw []byte
	)
	if err := row.Scan(
		&status.ID,
		&state,
		&status.UpdatedAt,
		&status.Error,
		&domainsRaw,
		&framework,
		&status.CustomerID,
		&status.ComputeID,
		&status.Path,
		&failRaw,
	); err != nil {
		return nil, err
	}
	status.State = domain.DeploymentState(state)
	status.Framework = domain.Framework(framework)
	if len(domainsRaw) > 0 {
		if err := json.Unmarshal(domainsRaw, &status.Domains); err != nil {
			return nil, fmt.Errorf("decode domains for %s: %w", status.ID, err)
		}
	}
	if len(failRaw) > 0 {
		if err := json.Unmarshal(failRaw, &status.Failures); err != nil {
			return nil, fmt.Errorf("decode failures for %s: %w", status.ID, err)
		}
	}
	if len(status.Domains) == 0 {
		status.Domains = nil
	}
	if len(status.Failures) == 0 {
		status.Failures = nil
	}
	return &status, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilFailures(in []domain.FailureEntry) []domain.FailureEntry {
	if in == nil {
		return []domain.FailureEntry{}
	}
	return in
}
