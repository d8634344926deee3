package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is one invariant expressed as SQL that must return zero rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_terminal_fields_consistent",
			SQL: `SELECT id FROM actions
                  WHERE (status = 'rejected' AND (rejected_by IS NULL OR reject_reason IS NULL))
                     OR (status = 'failed' AND error IS NULL)
                     OR (status = 'executed' AND result IS NULL)`,
		},
		{
			Name: "O2_transition_has_audit_fact",
			SQL: `SELECT a.id, a.status FROM actions a
                  WHERE (a.status IN ('rejected','executed','failed','rolled_back')
                         OR (a.status = 'approved' AND a.tier <> 'auto_execute'))
                    AND NOT EXISTS (
                      SELECT 1 FROM audit_events e
                      WHERE e.action_id = a.id AND e.event_type = a.status::text)`,
		},
		{
			Name: "O3_executed_after_proposed",
			SQL: `SELECT e.action_id FROM audit_events e
                  WHERE e.event_type = 'executed'
                    AND NOT EXISTS (
                      SELECT 1 FROM audit_events p
                      WHERE p.action_id = e.action_id
                        AND p.event_type = 'action_proposed'
                        AND p.id < e.id)`,
		},
		{
			Name: "O4_rollback_removed_insert",
			SQL: `SELECT a.id FROM actions a
                  JOIN tasks t ON t.source_action_id = a.id
                  WHERE a.status = 'rolled_back'
                    AND a.undo ->> 'kind' = 'delete_insert'`,
		},
		{
			Name: "O5_executed_task_exists",
			SQL: `SELECT a.id FROM actions a
                  WHERE a.type = 'create_task' AND a.status = 'executed'
                    AND NOT EXISTS (SELECT 1 FROM tasks t WHERE t.source_action_id = a.id)`,
		},
		{
			Name: "O6_no_undo_for_irreversible",
			SQL: `SELECT id FROM actions
                  WHERE type IN ('notify_project_manager','notify_finance')
                    AND undo IS NOT NULL`,
		},
		{
			Name: "O7_rolled_back_were_reversible",
			SQL: `SELECT id FROM actions
                  WHERE status = 'rolled_back'
                    AND type IN ('notify_project_manager','notify_finance')`,
		},
	}
}

// Run evaluates every oracle and returns the name and first row of the first
// violated one. Empty name means all invariants hold.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
