package casefile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"bondflow/catalog"
)

var (
	// ErrCaseNotFound is returned when no case row exists for the identifier.
	ErrCaseNotFound = errors.New("casefile: case not found")
)

// Repository loads case rosters from the collaborator store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LoadRoster fetches the signing parties for a case. Indemnitors come back
// in their stored position order.
func (r *Repository) LoadRoster(ctx context.Context, caseID string) (Roster, error) {
	if caseID == "" {
		return Roster{}, fmt.Errorf("casefile: missing case id")
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE id=$1)`, caseID).Scan(&exists); err != nil {
		return Roster{}, fmt.Errorf("casefile: check case: %w", err)
	}
	if !exists {
		return Roster{}, fmt.Errorf("%w: %s", ErrCaseNotFound, caseID)
	}

	rows, err := r.pool.Query(ctx, `
        SELECT person_id, role, full_name, email, phone
        FROM case_signers
        WHERE case_id = $1
        ORDER BY CASE role
            WHEN 'defendant' THEN 0
            WHEN 'indemnitor' THEN 1
            WHEN 'bail_agent' THEN 2
        END, position
    `, caseID)
	if err != nil {
		return Roster{}, fmt.Errorf("casefile: load signers: %w", err)
	}
	defer rows.Close()

	roster := Roster{CaseID: caseID}
	for rows.Next() {
		var s Signer
		if err := rows.Scan(&s.PersonID, &s.Role, &s.FullName, &s.Email, &s.Phone); err != nil {
			return Roster{}, fmt.Errorf("casefile: scan signer: %w", err)
		}
		switch s.Role {
		case catalog.RoleDefendant:
			roster.Defendant = s
		case catalog.RoleIndemnitor:
			roster.Indemnitors = append(roster.Indemnitors, s)
		case catalog.RoleBailAgent:
			roster.Agent = s
		default:
			return Roster{}, fmt.Errorf("casefile: case %s: unexpected signer role %q", caseID, s.Role)
		}
	}
	if err := rows.Err(); err != nil {
		return Roster{}, fmt.Errorf("casefile: iterate signers: %w", err)
	}

	return roster, nil
}
