// Package workload models launched tasks and the discovery services they
// register with.
//
// A Task moves pending -> running -> stopping -> stopped and never leaves
// stopped. Stopping a registered task always deregisters it first, so a
// service endpoint never points at a task that was asked to stop.
// Register and Deregister are idempotent and check the registry, not a
// local flag, before acting.
package workload
