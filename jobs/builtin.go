package jobs

import (
	"context"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-hooks/core"
)

// LogHandlerName is the handler reference of LogHandler, usable from source
// configuration without any code.
const LogHandlerName = "hooks.log"

// LogHandler records each event it receives and succeeds.
func LogHandler(logger core.Logger) Handler {
	logger = glog.Ensure(logger)
	return HandlerFunc(func(ctx context.Context, job *JobContext) error {
		logger.WithContext(ctx).Info("hooks event handled",
			"event_id", job.EventID,
			"source", job.Source,
			"event_type", job.EventType,
			"external_id", job.ExternalID,
			"attempt", job.Attempt,
		)
		return nil
	})
}
