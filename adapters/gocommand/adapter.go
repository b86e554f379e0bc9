package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

var errRegistryMissing = fmt.Errorf("gocommand: registry is not configured")

// RegistryAdapter owns the go-command registry hooks commands are
// registered in. Commands are also subscribed on the global dispatcher.
type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

// MirrorToQueue copies every registered command into a go-job queue command
// registry during Initialize, so go-job workers can execute hooks commands.
func (a *RegistryAdapter) MirrorToQueue(key string, queueRegistry *jobqueuecommand.Registry) error {
	if a == nil || a.registry == nil {
		return errRegistryMissing
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "hooks.queue"
	}
	return a.registry.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return errRegistryMissing
	}
	return a.registry.Initialize()
}

// messageType checks that T names itself through Type() before anything
// gets registered under it.
func messageType[T any]() (string, error) {
	var zero T
	msg, ok := any(zero).(command.Message)
	if !ok {
		return "", fmt.Errorf("gocommand: message %T must implement Type() string", zero)
	}
	name := strings.TrimSpace(msg.Type())
	if name == "" {
		return "", fmt.Errorf("gocommand: message %T has an empty type", zero)
	}
	return name, nil
}

// ValidateMessage runs go-command validation plus the Type() check on a
// concrete message.
func ValidateMessage(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok || strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message %T has no type", msg)
	}
	return nil
}

func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessage(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, errRegistryMissing
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	if _, err := messageType[T](); err != nil {
		return nil, err
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, errRegistryMissing
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	if _, err := messageType[T](); err != nil {
		return nil, err
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.registry.RegisterCommand(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}
