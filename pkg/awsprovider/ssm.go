package awsprovider

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/cuemby/flotilla/pkg/provider"
)

const (
	shellDocument = "AWS-RunShellScript"
	maxComment    = 100
)

// SSMAPI is the subset of the SSM client used by Commander
type SSMAPI interface {
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	GetCommandInvocation(ctx context.Context, params *ssm.GetCommandInvocationInput, optFns ...func(*ssm.Options)) (*ssm.GetCommandInvocationOutput, error)
	CancelCommand(ctx context.Context, params *ssm.CancelCommandInput, optFns ...func(*ssm.Options)) (*ssm.CancelCommandOutput, error)
}

// Commander implements provider.Commander with SSM Run Command
type Commander struct {
	client SSMAPI
}

var _ provider.Commander = (*Commander)(nil)

// NewCommander wraps an SSM client
func NewCommander(client SSMAPI) *Commander {
	return &Commander{client: client}
}

// SendCommand runs shell commands on the instances and returns the command id
func (c *Commander) SendCommand(ctx context.Context, instanceIDs, commands []string, comment string) (string, error) {
	out, err := c.client.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(shellDocument),
		InstanceIds:  instanceIDs,
		Parameters:   map[string][]string{"commands": commands},
		Comment:      optString(truncate(comment, maxComment)),
	})
	if err != nil {
		return "", classify("send command", err)
	}
	return aws.ToString(out.Command.CommandId), nil
}

// GetInvocation returns the status of a command on one instance. An
// invocation SSM has not created yet is reported as pending.
func (c *Commander) GetInvocation(ctx context.Context, commandID, instanceID string) (*provider.Invocation, error) {
	out, err := c.client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		var missing *ssmtypes.InvocationDoesNotExist
		if errors.As(err, &missing) {
			return &provider.Invocation{
				CommandID:  commandID,
				InstanceID: instanceID,
				Status:     provider.InvocationPending,
			}, nil
		}
		return nil, classify("get command invocation", err)
	}

	output := aws.ToString(out.StandardOutputContent)
	if stderr := aws.ToString(out.StandardErrorContent); stderr != "" {
		output += stderr
	}
	return &provider.Invocation{
		CommandID:  commandID,
		InstanceID: instanceID,
		Status:     provider.InvocationStatus(out.Status),
		Output:     output,
	}, nil
}

// CancelCommand cancels a command on the given instances
func (c *Commander) CancelCommand(ctx context.Context, commandID string, instanceIDs []string) error {
	_, err := c.client.CancelCommand(ctx, &ssm.CancelCommandInput{
		CommandId:   aws.String(commandID),
		InstanceIds: instanceIDs,
	})
	return classify("cancel command "+commandID, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
