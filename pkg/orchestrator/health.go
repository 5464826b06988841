package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/flotilla/pkg/clusterdef"
	"github.com/cuemby/flotilla/pkg/health"
	"github.com/cuemby/flotilla/pkg/log"
)

// probeEndpoint waits for the task at address to pass its health check
func probeEndpoint(ctx context.Context, check *clusterdef.HealthCheck, address string) error {
	cfg := health.DefaultConfig()
	if check.Interval > 0 {
		cfg.Interval = check.Interval
	}
	if check.Timeout > 0 {
		cfg.Timeout = check.Timeout
	}
	if check.Retries > 0 {
		cfg.Retries = check.Retries
	}

	var checker health.Checker
	switch health.CheckType(check.Type) {
	case health.CheckTypeHTTP:
		path := check.Path
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		checker = health.NewHTTPChecker("http://" + address + path)
	case health.CheckTypeTCP:
		checker = health.NewTCPChecker(address)
	default:
		return fmt.Errorf("unknown health check type %q", check.Type)
	}

	result, err := health.WaitHealthy(ctx, checker, cfg)
	if err != nil {
		return err
	}
	log.WithComponent("orchestrator").Debug().
		Str("address", address).
		Str("check", check.Type).
		Dur("duration", result.Duration).
		Msg("health check passed")
	return nil
}
