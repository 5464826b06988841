package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/flotilla/pkg/provider"
)

// Commander simulates remote command execution. Invocations report
// Status[instanceID], defaulting to Success.
type Commander struct {
	mu        sync.Mutex
	Status    map[string]provider.InvocationStatus
	Sent      [][]string
	Cancelled []string
	SendErr   error
	Calls     map[string]int

	nextID int
}

func NewCommander() *Commander {
	return &Commander{
		Status: make(map[string]provider.InvocationStatus),
		Calls:  make(map[string]int),
	}
}

func (f *Commander) SendCommand(ctx context.Context, instanceIDs, commands []string, comment string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["SendCommand"]++
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.Sent = append(f.Sent, commands)
	f.nextID++
	return fmt.Sprintf("cmd-%04d", f.nextID), nil
}

func (f *Commander) GetInvocation(ctx context.Context, commandID, instanceID string) (*provider.Invocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["GetInvocation"]++
	status, ok := f.Status[instanceID]
	if !ok {
		status = provider.InvocationSuccess
	}
	return &provider.Invocation{CommandID: commandID, InstanceID: instanceID, Status: status}, nil
}

func (f *Commander) CancelCommand(ctx context.Context, commandID string, instanceIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls["CancelCommand"]++
	for _, id := range instanceIDs {
		f.Cancelled = append(f.Cancelled, id)
		f.Status[id] = provider.InvocationCancelled
	}
	return nil
}
