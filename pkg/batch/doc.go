// Package batch runs unit-by-unit provisioning for backfill jobs: a volume
// and an instance per unit, rotated across availability zones and capped by
// the number of active instances of the batch role.
package batch
