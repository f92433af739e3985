package usecase

import (
	"context"
	"encoding/json"
	"fmt"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
	"ZeroDTE/pkg/queue"
)

func auditJobType(t models.CoreEventType) string { return "audit." + string(t) }

// AuditJobs returns the queue jobs that replay failed audit writes of each record kind.
func AuditJobs(audit domrepo.AuditStore) []queue.Job {
	return []queue.Job{
		auditJob(models.CoreEventSignal, audit.SaveSignal),
		auditJob(models.CoreEventDecision, audit.SaveDecision),
		auditJob(models.CoreEventBreaker, audit.SaveBreakerTransition),
		auditJob(models.CoreEventOrder, audit.SaveOrder),
	}
}

func auditJob[T any](t models.CoreEventType, save func(context.Context, T) error) queue.Job {
	return queue.JobFunc{
		Kind: auditJobType(t),
		Fn: func(ctx context.Context, payload json.RawMessage) error {
			var rec T
			if err := json.Unmarshal(payload, &rec); err != nil {
				return fmt.Errorf("decode %s audit record: %w", t, err)
			}
			return save(ctx, rec)
		},
	}
}
