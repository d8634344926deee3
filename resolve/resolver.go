// Package resolve matches extracted message references to internal business
// entities: projects, work orders and counterparties.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolution carries the entities matched for one message. A zero-value
// Resolution (Matched=false) is a valid outcome, not an error; the policy
// engine treats it as a risk-increasing signal.
type Resolution struct {
	ProjectID      *string
	WorkOrderID    *string
	CounterpartyID *string
	Matched        bool
	Via            string
}

// Resolution sources, recorded for the audit payload.
const (
	ViaCode    = "structured_code"
	ViaDomain  = "sender_domain"
	ViaHistory = "sender_history"
)

var (
	projectCodeRe   = regexp.MustCompile(`\bOBR-\d+\b`)
	workOrderCodeRe = regexp.MustCompile(`\bOS-\d+\b`)
)

// Lookup is the data access the resolver needs.
type Lookup interface {
	ProjectByCode(ctx context.Context, code string) (string, error)
	WorkOrderByCode(ctx context.Context, code string) (projectID, workOrderID string, err error)
	CounterpartyByDomain(ctx context.Context, domain string) (string, error)
	LastProjectBySender(ctx context.Context, senderAddress string) (string, error)
}

// ErrNoMatch is returned by Lookup implementations when the key is unknown.
var ErrNoMatch = errors.New("resolve: no match")

type Resolver struct {
	lookup Lookup
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve applies the resolution order, first match wins: structured code in
// the extracted references, then counterparty by sender domain, then the most
// recent prior message from the same sender that resolved to a project.
func (r *Resolver) Resolve(ctx context.Context, refs []string, senderAddress string) (Resolution, error) {
	if res, err := r.byCode(ctx, refs); err != nil {
		return Resolution{}, err
	} else if res.Matched {
		return res, nil
	}

	if domain := senderDomain(senderAddress); domain != "" {
		counterpartyID, err := r.lookup.CounterpartyByDomain(ctx, domain)
		switch {
		case err == nil:
			return Resolution{CounterpartyID: &counterpartyID, Matched: true, Via: ViaDomain}, nil
		case errors.Is(err, ErrNoMatch):
			// fall through to history
		default:
			return Resolution{}, fmt.Errorf("resolve: counterparty by domain: %w", err)
		}
	}

	if senderAddress != "" {
		projectID, err := r.lookup.LastProjectBySender(ctx, senderAddress)
		switch {
		case err == nil:
			return Resolution{ProjectID: &projectID, Matched: true, Via: ViaHistory}, nil
		case errors.Is(err, ErrNoMatch):
		default:
			return Resolution{}, fmt.Errorf("resolve: sender history: %w", err)
		}
	}

	return Resolution{}, nil
}

func (r *Resolver) byCode(ctx context.Context, refs []string) (Resolution, error) {
	for _, ref := range refs {
		if code := projectCodeRe.FindString(ref); code != "" {
			projectID, err := r.lookup.ProjectByCode(ctx, code)
			if err == nil {
				return Resolution{ProjectID: &projectID, Matched: true, Via: ViaCode}, nil
			}
			if !errors.Is(err, ErrNoMatch) {
				return Resolution{}, fmt.Errorf("resolve: project by code: %w", err)
			}
		}
		if code := workOrderCodeRe.FindString(ref); code != "" {
			projectID, workOrderID, err := r.lookup.WorkOrderByCode(ctx, code)
			if err == nil {
				return Resolution{ProjectID: &projectID, WorkOrderID: &workOrderID, Matched: true, Via: ViaCode}, nil
			}
			if !errors.Is(err, ErrNoMatch) {
				return Resolution{}, fmt.Errorf("resolve: work order by code: %w", err)
			}
		}
	}
	return Resolution{}, nil
}

func senderDomain(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// PGLookup is the Postgres implementation of Lookup.
type PGLookup struct {
	pool *pgxpool.Pool
}

func NewPGLookup(pool *pgxpool.Pool) *PGLookup {
	return &PGLookup{pool: pool}
}

func (l *PGLookup) ProjectByCode(ctx context.Context, code string) (string, error) {
	var id string
	err := l.pool.QueryRow(ctx, `SELECT id::text FROM projects WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoMatch
	}
	if err != nil {
		return "", fmt.Errorf("resolve: query project: %w", err)
	}
	return id, nil
}

func (l *PGLookup) WorkOrderByCode(ctx context.Context, code string) (string, string, error) {
	var projectID, workOrderID string
	err := l.pool.QueryRow(ctx, `SELECT project_id::text, id::text FROM work_orders WHERE code = $1`, code).
		Scan(&projectID, &workOrderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNoMatch
	}
	if err != nil {
		return "", "", fmt.Errorf("resolve: query work order: %w", err)
	}
	return projectID, workOrderID, nil
}

func (l *PGLookup) CounterpartyByDomain(ctx context.Context, domain string) (string, error) {
	var id string
	err := l.pool.QueryRow(ctx, `SELECT id::text FROM counterparties WHERE email_domain = $1`, domain).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoMatch
	}
	if err != nil {
		return "", fmt.Errorf("resolve: query counterparty: %w", err)
	}
	return id, nil
}

func (l *PGLookup) LastProjectBySender(ctx context.Context, senderAddress string) (string, error) {
	const query = `
SELECT project_id::text
FROM messages
WHERE sender_address = $1 AND project_id IS NOT NULL
ORDER BY received_at DESC
LIMIT 1
`
	var id string
	err := l.pool.QueryRow(ctx, query, senderAddress).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoMatch
	}
	if err != nil {
		return "", fmt.Errorf("resolve: query sender history: %w", err)
	}
	return id, nil
}
