package toolloop

import (
	"context"
	"fmt"

	"github.com/harun/lysis/pkg/keypool"
	"github.com/harun/lysis/pkg/llm"
	"github.com/harun/lysis/pkg/scheduler"
)

// ScheduledModel sends every turn through the shared scheduler and the
// retry controller, so turns from all loops are serialised and billed to
// Role's credentials
type ScheduledModel struct {
	Scheduler  *scheduler.Scheduler
	Retry      *keypool.RetryController
	Role       keypool.Role
	Priority   int
	MaxRetries int
}

func (m *ScheduledModel) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	value, err := m.Scheduler.Enqueue(ctx, m.Priority, func(ctx context.Context) (interface{}, error) {
		return m.Retry.Execute(ctx, m.Role, m.MaxRetries, func(ctx context.Context, client llm.Provider) (interface{}, error) {
			return llm.Complete(ctx, client, req)
		})
	})
	if err != nil {
		return nil, err
	}
	resp, ok := value.(*llm.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected model result %T", value)
	}
	return resp, nil
}
