package storage

import (
	"time"

	"github.com/cuemby/flotilla/pkg/types"
)

// Store defines the interface for local orchestrator state
// This is implemented by BoltDB-backed storage
type Store interface {
	// Discovery services
	CreateService(service *types.ServiceRecord) error
	GetService(id string) (*types.ServiceRecord, error)
	GetServiceByName(name string) (*types.ServiceRecord, error)
	ListServices() ([]*types.ServiceRecord, error)
	DeleteService(id string) error

	// Discovery endpoints
	PutEndpoint(serviceID string, ep *types.Endpoint) error
	DeleteEndpoint(serviceID, endpointID string) error
	ListEndpoints(serviceID string) ([]*types.Endpoint, error)

	// Task registry with status history
	PutTaskRecord(rec *types.TaskRecord) error
	GetTaskRecord(taskID string) (*types.TaskRecord, error)
	ListTaskRecords() ([]*types.TaskRecord, error)
	DeleteTaskRecord(taskID string) error
	RecordStatus(task *types.Task, message string) error
	PruneTaskRecords(stoppedBefore time.Time) (int, error)

	// Batch journal
	PutUnit(unit *types.UnitRecord) error
	GetUnit(key string) (*types.UnitRecord, error)
	ListUnits() ([]*types.UnitRecord, error)

	// Utility
	Close() error
}
