package gocommand

import (
	"context"
	"fmt"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	"github.com/goliatone/go-hooks/core"

	hookscommand "github.com/goliatone/go-hooks/command"
	hooksquery "github.com/goliatone/go-hooks/query"
)

// OperatorHandlers groups the operator-facing commands and queries. Nil
// entries are skipped.
type OperatorHandlers struct {
	ProcessEvent *hookscommand.ProcessEventCommand
	ReplayEvent  *hookscommand.ReplayEventCommand
	ReleaseClaim *hookscommand.ReleaseClaimCommand
	GetEvent     *hooksquery.GetEventQuery
	IsProcessed  *hooksquery.IsProcessedQuery
}

// Subscriptions keeps the dispatcher subscriptions made for one runtime so
// they can be dropped together.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterOperatorHandlers registers every configured handler with the
// registry and subscribes it on the global dispatcher. On failure the
// subscriptions made so far are removed.
func RegisterOperatorHandlers(
	adapter *RegistryAdapter,
	handlers OperatorHandlers,
	runnerOpts ...runner.Option,
) (Subscriptions, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}

	var subs Subscriptions
	add := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if handlers.ProcessEvent != nil {
		if err := add(RegisterAndSubscribe[hookscommand.ProcessEventMessage](adapter, handlers.ProcessEvent, runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if handlers.ReplayEvent != nil {
		if err := add(RegisterAndSubscribe[hookscommand.ReplayEventMessage](adapter, handlers.ReplayEvent, runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if handlers.ReleaseClaim != nil {
		if err := add(RegisterAndSubscribe[hookscommand.ReleaseClaimMessage](adapter, handlers.ReleaseClaim, runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if handlers.GetEvent != nil {
		if err := add(RegisterAndSubscribeQuery[hooksquery.GetEventMessage, core.Event](adapter, handlers.GetEvent, runnerOpts...)); err != nil {
			return nil, err
		}
	}
	if handlers.IsProcessed != nil {
		if err := add(RegisterAndSubscribeQuery[hooksquery.IsProcessedMessage, bool](adapter, handlers.IsProcessed, runnerOpts...)); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

// Replay dispatches a replay command and returns the job it enqueued.
func Replay(ctx context.Context, msg hookscommand.ReplayEventMessage) (hookscommand.ReplayResult, error) {
	collector := command.NewResult[hookscommand.ReplayResult]()
	if err := Dispatch(command.ContextWithResult(ctx, collector), msg); err != nil {
		return hookscommand.ReplayResult{}, err
	}
	result, ok := collector.Load()
	if !ok {
		return hookscommand.ReplayResult{}, fmt.Errorf("gocommand: replay produced no result")
	}
	return result, nil
}
