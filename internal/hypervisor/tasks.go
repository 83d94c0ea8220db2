package hypervisor

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pvefleet/internal/fleet"

	"go.uber.org/zap"
)

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// waitTask polls a task until it stops or ctx expires.
func (c *ProxmoxClient) waitTask(ctx context.Context, op, node, upid string) error {
	if upid == "" {
		return fleet.PermanentError(op, "API returned no task id", nil)
	}
	path := "/nodes/" + url.PathEscape(node) + "/tasks/" + url.PathEscape(upid) + "/status"
	started := time.Now()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		var st taskStatus
		if err := c.do(ctx, op, http.MethodGet, path, nil, &st); err != nil {
			return err
		}
		if st.Status == "stopped" {
			c.logger.Debug("task finished",
				zap.String("operation", op),
				zap.String("exit_status", st.ExitStatus),
				zap.Duration("elapsed", time.Since(started)))
			if taskSucceeded(st.ExitStatus) {
				return nil
			}
			return fleet.PermanentError(op, "task failed: "+st.ExitStatus, nil)
		}

		select {
		case <-ctx.Done():
			return transportError(op, ctx.Err())
		case <-ticker.C:
		}
	}
}

func taskSucceeded(exit string) bool {
	return exit == "OK" || strings.HasPrefix(exit, "WARNINGS")
}
