package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_signed_event_once",
			SQL: `SELECT binding_id, COUNT(*) FROM signing_events
                  WHERE type = 'signed'
                  GROUP BY binding_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_signed_has_timestamp",
			SQL: `SELECT id FROM signing_bindings
                  WHERE status = 'signed' AND signed_at IS NULL`,
		},
		{
			Name: "O3_dispatched_has_session_ref",
			SQL: `SELECT id FROM signing_bindings
                  WHERE status IN ('dispatched','viewed','signed')
                    AND (sent_at IS NULL OR provider_session_ref IS NULL)`,
		},
		{
			Name: "O4_instance_completion_gated",
			SQL: `SELECT i.case_id, i.instance_key FROM document_instances i
                  WHERE i.completed_at IS NOT NULL
                    AND EXISTS (
                        SELECT 1 FROM signing_bindings b
                        WHERE b.case_id = i.case_id
                          AND b.instance_key = i.instance_key
                          AND b.superseded_by IS NULL
                          AND b.status <> 'signed')`,
		},
		{
			Name: "O5_packet_completion_gated",
			SQL: `SELECT p.id FROM packets p
                  WHERE p.completed_at IS NOT NULL
                    AND EXISTS (
                        SELECT 1 FROM document_instances i
                        WHERE i.packet_id = p.id AND i.completed_at IS NULL)`,
		},
		{
			Name: "O6_instance_notified_once",
			SQL: `SELECT payload->>'case_id', payload->>'instance_key', COUNT(*) FROM outbox
                  WHERE topic = 'instance.completed'
                  GROUP BY payload->>'case_id', payload->>'instance_key'
                  HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_packet_notified_once",
			SQL: `SELECT payload->>'packet_id', COUNT(*) FROM outbox
                  WHERE topic = 'packet.completed'
                  GROUP BY payload->>'packet_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_id_prompt_once_per_signer",
			SQL: `SELECT payload->>'case_id', payload->>'person_id', COUNT(*) FROM outbox
                  WHERE topic = 'signer.id_upload_required'
                  GROUP BY payload->>'case_id', payload->>'person_id'
                  HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_resend_increments_attempts",
			SQL: `SELECT old.id FROM signing_bindings old
                  JOIN signing_bindings repl ON repl.id = old.superseded_by
                  WHERE repl.attempts <> old.attempts + 1`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
