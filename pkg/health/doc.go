/*
Package health probes task endpoints before they are published for discovery.

A task definition may carry a health check. Once the task is running, the
orchestrator resolves the task's address and host port and probes it with
WaitHealthy: a TCP checker passes when a connection is accepted, an HTTP
checker when a GET of the configured path answers 2xx or 3xx. The first
passing probe makes the endpoint healthy. Retries consecutive failures give
up with ErrUnhealthy and the task is left unregistered.

	checker := health.NewHTTPChecker("http://10.0.1.12:8080/health")
	result, err := health.WaitHealthy(ctx, checker, health.DefaultConfig())
*/
package health
