package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/flotilla/pkg/events"
	"github.com/cuemby/flotilla/pkg/log"
	"github.com/cuemby/flotilla/pkg/metrics"
	"github.com/cuemby/flotilla/pkg/orchestrator"
	"github.com/cuemby/flotilla/pkg/provider"
	"github.com/cuemby/flotilla/pkg/retry"
	"github.com/cuemby/flotilla/pkg/types"
)

var (
	// ErrTooManyFailures aborts a run after consecutive provisioning failures
	ErrTooManyFailures = errors.New("too many consecutive provisioning failures")
	// ErrNoZones aborts a run once every zone has been removed from rotation
	ErrNoZones = errors.New("no availability zones left in rotation")
)

// Config holds the batch loop settings
type Config struct {
	// Role is the Instance-Type tag of batch instances; capacity is counted per role
	Role            string
	Zones           []string
	MaxInstances    int
	CapacityBackoff time.Duration
	MaxFailures     int

	InstanceType    string
	ImageID         string
	KeyName         string
	SecurityGroups  []string
	InstanceProfile string
	Tags            map[string]string

	VolumeSize int32
	VolumeType string
	Device     string
	MountPoint string

	// Stages are started in order on each unit's instance
	Stages      []string
	GroupPrefix string

	// OutputBucket and OutputPrefix locate a unit's results; {unit} in the
	// prefix is replaced by the unit key
	OutputBucket string
	OutputPrefix string
}

// DefaultConfig returns the batch defaults
func DefaultConfig() Config {
	return Config{
		Role:            "BatchProcessor",
		MaxInstances:    5,
		CapacityBackoff: 5 * time.Minute,
		MaxFailures:     3,
		InstanceType:    "c5.4xlarge",
		VolumeSize:      150,
		VolumeType:      "io1",
		Device:          "/dev/sdc",
		MountPoint:      "/mnt/disc",
		Stages:          []string{"overseer", "jetdb", "processor"},
		GroupPrefix:     "unit",
	}
}

// Unit is one piece of batch work
type Unit struct {
	Key  string
	Args map[string]string
}

// DailyUnits returns one unit per calendar day from from to to inclusive,
// keyed YYYYMMDD and passing the key as the processDate argument
func DailyUnits(from, to time.Time) []Unit {
	var units []Unit
	from = time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	to = time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		key := day.Format("20060102")
		units = append(units, Unit{Key: key, Args: map[string]string{"processDate": key}})
	}
	return units
}

// Journal persists the state of each unit
type Journal interface {
	PutUnit(unit *types.UnitRecord) error
	GetUnit(key string) (*types.UnitRecord, error)
}

// OutputLister reports whether results already exist under a prefix
type OutputLister interface {
	PrefixExists(ctx context.Context, bucket, prefix string) (bool, error)
}

// UnitFailure describes a unit whose workload could not be started
type UnitFailure struct {
	Key   string
	Stage string
	Err   error
}

// Report summarizes a batch run
type Report struct {
	Started           []string
	Skipped           []string
	Failed            []UnitFailure
	RemovedZones      []string
	ProvisionFailures int
}

// Loop provisions and starts units one at a time
type Loop struct {
	engine  *orchestrator.Engine
	cfg     Config
	journal Journal
	outputs OutputLister
	events  events.Publisher
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Loop
type Option func(*Loop)

// WithJournal records unit progress
func WithJournal(j Journal) Option {
	return func(l *Loop) {
		l.journal = j
	}
}

// WithOutputs skips units whose output already exists
func WithOutputs(o OutputLister) Option {
	return func(l *Loop) {
		l.outputs = o
	}
}

// WithEvents publishes batch events to p
func WithEvents(p events.Publisher) Option {
	return func(l *Loop) {
		l.events = p
	}
}

// WithSleep replaces the capacity backoff delay function
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Loop) {
		l.sleep = fn
	}
}

// NewLoop creates a batch loop driven by engine
func NewLoop(engine *orchestrator.Engine, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		engine: engine,
		cfg:    cfg,
		events: events.Discard{},
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.MaxFailures < 1 {
		l.cfg.MaxFailures = 1
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run processes units in order. A provisioning failure removes the zone it
// happened in from the rotation and retries the same unit in the next zone;
// the run aborts once MaxFailures happen back to back. A unit whose
// workload fails to start is torn down and recorded as failed without
// counting towards that limit.
func (l *Loop) Run(ctx context.Context, units []Unit) (*Report, error) {
	logger := log.WithComponent("batch")
	report := &Report{}
	zones := append([]string(nil), l.cfg.Zones...)
	metrics.BatchZonesAvailable.Set(float64(len(zones)))

	// The running-unit skip check reads instance state from the mirror
	if err := l.refreshInstances(ctx); err != nil {
		return report, fmt.Errorf("failed to refresh instances: %w", err)
	}

	idx, fails := 0, 0
	for i := 0; i < len(units); {
		unit := units[i]

		skip, err := l.shouldSkip(ctx, unit)
		if err != nil {
			return report, err
		}
		if skip {
			logger.Info().Str("unit", unit.Key).Msg("unit already processed, skipping")
			report.Skipped = append(report.Skipped, unit.Key)
			metrics.BatchUnits.WithLabelValues(string(types.UnitStatusSkipped)).Inc()
			i++
			continue
		}

		if len(zones) == 0 {
			return report, l.abort(unit, ErrNoZones)
		}
		if err := l.waitCapacity(ctx); err != nil {
			return report, err
		}

		if idx >= len(zones) {
			idx = 0
		}
		zone := zones[idx]
		rec := l.record(unit.Key)
		rec.Zone = zone
		rec.Status = types.UnitStatusProvisioning
		rec.Attempts++
		rec.Error = ""
		l.put(rec)

		provisioned, err := l.engine.ProvisionUnit(ctx, l.provisionSpec(unit, zone))
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			zones = append(zones[:idx], zones[idx+1:]...)
			fails++
			report.ProvisionFailures++
			report.RemovedZones = append(report.RemovedZones, zone)
			metrics.BatchZonesAvailable.Set(float64(len(zones)))

			rec.Status = types.UnitStatusFailed
			rec.Error = err.Error()
			l.put(rec)

			log.WithUnit(unit.Key, zone).Error().Err(err).Int("fails", fails).Msg("provisioning failed, zone removed from rotation")
			l.events.Publish(events.New(events.EventZoneRemoved, err.Error(), "zone", zone, "unit", unit.Key))

			if fails >= l.cfg.MaxFailures {
				return report, l.abort(unit, ErrTooManyFailures)
			}
			continue
		}

		fails = 0
		idx = (idx + 1) % len(zones)

		rec.VolumeID = provisioned.Volume.ID
		rec.InstanceID = provisioned.Instance.ID
		l.put(rec)

		if failure := l.startStages(ctx, unit, provisioned, rec); failure != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.Failed = append(report.Failed, *failure)
			metrics.BatchUnits.WithLabelValues(string(types.UnitStatusFailed)).Inc()
		} else {
			report.Started = append(report.Started, unit.Key)
			metrics.BatchUnits.WithLabelValues(string(types.UnitStatusRunning)).Inc()
		}
		i++
	}

	logger.Info().
		Int("started", len(report.Started)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Msg("batch run finished")
	return report, nil
}

func (l *Loop) abort(unit Unit, err error) error {
	log.WithComponent("batch").Error().Err(err).Str("unit", unit.Key).Msg("batch run aborted")
	l.events.Publish(events.New(events.EventBatchAborted, err.Error(), "unit", unit.Key))
	return fmt.Errorf("batch aborted at unit %s: %w", unit.Key, err)
}

// shouldSkip reports whether a unit is completed, still running on a live
// instance, or has output already
func (l *Loop) shouldSkip(ctx context.Context, unit Unit) (bool, error) {
	if l.journal != nil {
		rec, err := l.journal.GetUnit(unit.Key)
		switch {
		case err == nil && rec.Status == types.UnitStatusCompleted:
			return true, nil
		case err == nil && rec.Status == types.UnitStatusRunning:
			if inst, ok := l.engine.Mirror().Instance(rec.InstanceID); ok && inst.Active() {
				return true, nil
			}
		case err != nil && !errors.Is(err, types.ErrNotFound):
			return false, fmt.Errorf("failed to read journal for unit %s: %w", unit.Key, err)
		}
	}

	if l.outputs == nil || l.cfg.OutputBucket == "" {
		return false, nil
	}
	exists, err := l.outputs.PrefixExists(ctx, l.cfg.OutputBucket, l.outputPrefix(unit.Key))
	if err != nil {
		return false, fmt.Errorf("failed to check output of unit %s: %w", unit.Key, err)
	}
	if exists {
		rec := l.record(unit.Key)
		rec.Status = types.UnitStatusCompleted
		l.put(rec)
	}
	return exists, nil
}

func (l *Loop) outputPrefix(key string) string {
	if strings.Contains(l.cfg.OutputPrefix, "{unit}") {
		return strings.ReplaceAll(l.cfg.OutputPrefix, "{unit}", key)
	}
	return l.cfg.OutputPrefix + key + "/"
}

// waitCapacity blocks until fewer than MaxInstances instances of the batch
// role are active
func (l *Loop) waitCapacity(ctx context.Context) error {
	if l.cfg.MaxInstances <= 0 {
		return nil
	}
	for {
		if err := l.refreshInstances(ctx); err != nil {
			return err
		}
		active := l.engine.Mirror().ActiveInstances(l.cfg.Role)
		if active < l.cfg.MaxInstances {
			return nil
		}
		metrics.BatchCapacityWaits.Inc()
		log.WithComponent("batch").Info().
			Int("active", active).
			Int("max", l.cfg.MaxInstances).
			Dur("backoff", l.cfg.CapacityBackoff).
			Msg("at capacity, waiting")
		if err := l.sleep(ctx, l.cfg.CapacityBackoff); err != nil {
			return err
		}
	}
}

func (l *Loop) refreshInstances(ctx context.Context) error {
	cfg := l.engine.Config()
	return retry.Do(ctx, func() error { return l.engine.Mirror().RefreshInstances(ctx) }, retry.Fixed(cfg.RetryAttempts, cfg.RetryDelay))
}

func (l *Loop) provisionSpec(unit Unit, zone string) orchestrator.ProvisionSpec {
	volName := fmt.Sprintf("Vol-%s-%s", l.cfg.Role, unit.Key)

	tags := map[string]string{
		"Mount":               fmt.Sprintf("%s:%s", l.cfg.Device, volName),
		types.TagInstanceType: l.cfg.Role,
		types.TagProcessDate:  unit.Key,
	}
	for k, v := range l.cfg.Tags {
		tags[k] = v
	}

	return orchestrator.ProvisionSpec{
		Zone: zone,
		Volume: provider.VolumeSpec{
			Name: volName,
			Size: l.cfg.VolumeSize,
			Type: l.cfg.VolumeType,
			Tags: map[string]string{types.TagMountPoint: l.cfg.MountPoint},
		},
		Instance: provider.InstanceSpec{
			Name:            fmt.Sprintf("%s-%s", l.cfg.Role, unit.Key),
			InstanceType:    l.cfg.InstanceType,
			ImageID:         l.cfg.ImageID,
			KeyName:         l.cfg.KeyName,
			SecurityGroups:  l.cfg.SecurityGroups,
			InstanceProfile: l.cfg.InstanceProfile,
			Tags:            tags,
		},
	}
}

func (l *Loop) record(key string) *types.UnitRecord {
	if l.journal != nil {
		if rec, err := l.journal.GetUnit(key); err == nil {
			return rec
		}
	}
	return &types.UnitRecord{Key: key}
}

func (l *Loop) put(rec *types.UnitRecord) {
	if l.journal == nil {
		return
	}
	if err := l.journal.PutUnit(rec); err != nil {
		log.WithComponent("batch").Warn().Err(err).Str("unit", rec.Key).Msg("failed to write journal")
	}
}
