package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/retry"
)

// Error codes that no amount of retrying will fix
var fatalCodes = map[string]bool{
	"ValidationException":         true,
	"ValidationError":             true,
	"MissingParameter":            true,
	"UnauthorizedOperation":       true,
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"AuthFailure":                 true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"ClusterNotFoundException":    true,
	"NamespaceNotFound":           true,
}

// classify wraps err for op. API errors with a fatal code are marked
// retry.Fatal; throttling, capacity and server faults stay retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("failed to %s: %w", op, err)

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return wrapped
	}
	code := apiErr.ErrorCode()
	if fatalCodes[code] || strings.HasPrefix(code, "InvalidParameter") {
		return retry.Fatal(wrapped)
	}
	return wrapped
}

// isNotFound reports whether err is an API error for a missing resource
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	code := apiErr.ErrorCode()
	return strings.HasSuffix(code, ".NotFound") ||
		strings.HasSuffix(code, "NotFound") ||
		strings.HasSuffix(code, "NotFoundException") ||
		code == "NoSuchKey" ||
		code == "InvocationDoesNotExist"
}

// waitErr maps a waiter failure onto provider.ErrWaitTimeout. API errors
// and cancellation are passed through classify unchanged.
func waitErr(what string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) || errors.Is(err, context.Canceled) {
		return classify("wait for "+what, err)
	}
	return fmt.Errorf("failed to wait for %s: %w (%v)", what, provider.ErrWaitTimeout, err)
}

// chunks splits ids into batches no larger than size
func chunks(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
