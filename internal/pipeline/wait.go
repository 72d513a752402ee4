package pipeline

import (
	"context"
	"time"

	"github.com/hmhoseini/uvsib/internal/core"
	"github.com/hmhoseini/uvsib/pkg/domain"
)

// WaitSubsystemsReady polls until every listed chemical subsystem is ready.
// The wait is the only unbounded suspension point in the pipeline, so it
// carries an explicit timeout; exceeding it returns DependencyTimeoutError
// instead of hanging.
func WaitSubsystemsReady(ctx context.Context, service *core.Service, formula string, keys []string, pollInterval, timeout time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Hour
	}
	start := time.Now()
	for {
		missing, err := notReady(ctx, service, keys)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		waited := time.Since(start)
		if waited >= timeout {
			return domain.DependencyTimeoutError{Formula: formula, Missing: missing, Waited: waited}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func notReady(ctx context.Context, service *core.Service, keys []string) ([]string, error) {
	var missing []string
	for _, key := range keys {
		subsystem, ok, err := service.FindSubsystem(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok || !subsystem.Ready {
			missing = append(missing, key)
		}
	}
	return missing, nil
}
