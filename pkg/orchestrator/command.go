package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/provider"
)

// ErrNoCommander is returned when remote commands are not configured
var ErrNoCommander = errors.New("remote command execution not configured")

// Command is a shell command set sent to a group of instances
type Command struct {
	ID          string
	InstanceIDs []string
	Comment     string

	commander provider.Commander
	poll      time.Duration
	statuses  map[string]provider.InvocationStatus
}

// RunCommand sends commands to the instances and returns a handle to
// follow them
func (e *Engine) RunCommand(ctx context.Context, instanceIDs, commands []string, comment string) (*Command, error) {
	if e.commander == nil {
		return nil, ErrNoCommander
	}
	if len(instanceIDs) == 0 {
		return nil, fmt.Errorf("no instances to run %q on", comment)
	}

	var id string
	err := e.retry(ctx, "send_command", func() error {
		cmdID, err := e.commander.SendCommand(ctx, instanceIDs, commands, comment)
		if err != nil {
			return err
		}
		id = cmdID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	metrics.CommandsSent.Inc()

	log.WithComponent("orchestrator").Info().
		Str("command_id", id).
		Strs("instances", instanceIDs).
		Str("comment", comment).
		Msg("command sent")

	statuses := make(map[string]provider.InvocationStatus, len(instanceIDs))
	for _, iid := range instanceIDs {
		statuses[iid] = provider.InvocationPending
	}
	return &Command{
		ID:          id,
		InstanceIDs: append([]string(nil), instanceIDs...),
		Comment:     comment,
		commander:   e.commander,
		poll:        e.cfg.CommandPoll,
		statuses:    statuses,
	}, nil
}

// refresh polls every invocation not yet in a terminal state
func (c *Command) refresh(ctx context.Context) error {
	for _, iid := range c.InstanceIDs {
		if c.statuses[iid].Terminal() {
			continue
		}
		inv, err := c.commander.GetInvocation(ctx, c.ID, iid)
		if err != nil {
			return fmt.Errorf("failed to get invocation of %s on %s: %w", c.ID, iid, err)
		}
		c.statuses[iid] = inv.Status
	}
	return nil
}

// Done reports whether every invocation has finished
func (c *Command) Done(ctx context.Context) (bool, error) {
	if err := c.refresh(ctx); err != nil {
		return false, err
	}
	for _, iid := range c.InstanceIDs {
		if !c.statuses[iid].Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// Success reports whether every invocation finished successfully
func (c *Command) Success(ctx context.Context) (bool, error) {
	if err := c.refresh(ctx); err != nil {
		return false, err
	}
	for _, iid := range c.InstanceIDs {
		if c.statuses[iid] != provider.InvocationSuccess {
			return false, nil
		}
	}
	return true, nil
}

// Cancel cancels the invocations still pending or in progress and returns
// the instances they ran on
func (c *Command) Cancel(ctx context.Context) ([]string, error) {
	if err := c.refresh(ctx); err != nil {
		return nil, err
	}
	var ids []string
	for _, iid := range c.InstanceIDs {
		if c.statuses[iid].Cancellable() {
			ids = append(ids, iid)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := c.commander.CancelCommand(ctx, c.ID, ids); err != nil {
		return nil, fmt.Errorf("failed to cancel command %s: %w", c.ID, err)
	}
	for _, iid := range ids {
		c.statuses[iid] = provider.InvocationCancelling
	}
	return ids, nil
}

// Wait polls until every invocation has finished
func (c *Command) Wait(ctx context.Context) error {
	for {
		done, err := c.Done(ctx)
		if err != nil || done {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// Statuses returns the last polled status of each invocation
func (c *Command) Statuses() map[string]provider.InvocationStatus {
	out := make(map[string]provider.InvocationStatus, len(c.statuses))
	for k, v := range c.statuses {
		out[k] = v
	}
	return out
}
