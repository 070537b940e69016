package authzinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/authz"
	"github.com/truxeio/truxe/pkg/kernel"
)

// PostgresPolicyRepository is the PostgreSQL implementation of
// authz.PolicyRepository.
type PostgresPolicyRepository struct {
	db *sqlx.DB
}

// NewPostgresPolicyRepository creates a new instance of the repository.
func NewPostgresPolicyRepository(db *sqlx.DB) authz.PolicyRepository {
	return &PostgresPolicyRepository{
		db: db,
	}
}

func (r *PostgresPolicyRepository) Create(ctx context.Context, p *authz.Policy) error {
	query := `
		INSERT INTO authz_policies (id, tenant_id, name, effect, resources, actions, conditions, priority, enabled, created_at, updated_at)
		VALUES (:id, :tenant_id, :name, :effect, :resources, :actions, :conditions, :priority, :enabled, :created_at, :updated_at)`

	persisted, err := toPolicyPersistence(p)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, query, persisted); err != nil {
		return errx.Wrap(err, "failed to create policy", errx.TypeInternal).
			WithDetail("policy_id", p.ID)
	}
	return nil
}

func (r *PostgresPolicyRepository) FindByID(ctx context.Context, id string) (*authz.Policy, error) {
	var p policyPersistence
	err := r.db.GetContext(ctx, &p, `SELECT * FROM authz_policies WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, authz.ErrPolicyNotFound().WithDetail("policy_id", id)
		}
		return nil, errx.Wrap(err, "failed to find policy", errx.TypeInternal)
	}
	return toPolicyDomain(p)
}

func (r *PostgresPolicyRepository) ListForTenant(ctx context.Context, tenantID kernel.TenantID, enabledOnly bool) ([]*authz.Policy, error) {
	query := `SELECT * FROM authz_policies WHERE tenant_id = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY priority DESC, created_at`

	var rows []policyPersistence
	err := r.db.SelectContext(ctx, &rows, query, tenantID.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list policies", errx.TypeInternal)
	}

	policies := make([]*authz.Policy, len(rows))
	for i, p := range rows {
		policy, err := toPolicyDomain(p)
		if err != nil {
			return nil, err
		}
		policies[i] = policy
	}
	return policies, nil
}

func (r *PostgresPolicyRepository) Update(ctx context.Context, p *authz.Policy) error {
	query := `
		UPDATE authz_policies SET
			name = :name,
			effect = :effect,
			resources = :resources,
			actions = :actions,
			conditions = :conditions,
			priority = :priority,
			enabled = :enabled,
			updated_at = :updated_at
		WHERE id = :id`

	persisted, err := toPolicyPersistence(p)
	if err != nil {
		return err
	}
	result, err := r.db.NamedExecContext(ctx, query, persisted)
	if err != nil {
		return errx.Wrap(err, "failed to update policy", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return authz.ErrPolicyNotFound().WithDetail("policy_id", p.ID)
	}
	return nil
}

func (r *PostgresPolicyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM authz_policies WHERE id = $1`, id)
	if err != nil {
		return errx.Wrap(err, "failed to delete policy", errx.TypeInternal)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rowsAffected == 0 {
		return authz.ErrPolicyNotFound().WithDetail("policy_id", id)
	}
	return nil
}

// Persistence struct handling DB-specific types.
type policyPersistence struct {
	ID         string          `db:"id"`
	TenantID   string          `db:"tenant_id"`
	Name       string          `db:"name"`
	Effect     string          `db:"effect"`
	Resources  pq.StringArray  `db:"resources"`
	Actions    pq.StringArray  `db:"actions"`
	Conditions json.RawMessage `db:"conditions"`
	Priority   int             `db:"priority"`
	Enabled    bool            `db:"enabled"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func toPolicyPersistence(p *authz.Policy) (policyPersistence, error) {
	conditions, err := marshalConditions(p.Conditions)
	if err != nil {
		return policyPersistence{}, err
	}
	return policyPersistence{
		ID:         p.ID,
		TenantID:   p.TenantID.String(),
		Name:       p.Name,
		Effect:     string(p.Effect),
		Resources:  pq.StringArray(p.Resources),
		Actions:    pq.StringArray(p.Actions),
		Conditions: conditions,
		Priority:   p.Priority,
		Enabled:    p.Enabled,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}, nil
}

func toPolicyDomain(p policyPersistence) (*authz.Policy, error) {
	conditions, err := unmarshalConditions(p.Conditions)
	if err != nil {
		return nil, err
	}
	return &authz.Policy{
		ID:         p.ID,
		TenantID:   kernel.NewTenantID(p.TenantID),
		Name:       p.Name,
		Effect:     authz.Effect(p.Effect),
		Resources:  []string(p.Resources),
		Actions:    []string(p.Actions),
		Conditions: conditions,
		Priority:   p.Priority,
		Enabled:    p.Enabled,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}, nil
}
