package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/flotilla/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketServices  = []byte("services")
	bucketEndpoints = []byte("endpoints")
	bucketTasks     = []byte("tasks")
	bucketUnits     = []byte("units")
)

// DBFile is the database file name inside the data directory
const DBFile = "flotilla.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketServices, bucketEndpoints, bucketTasks, bucketUnits} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key, kind string, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %s: %w", kind, key, types.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Service operations
func (s *BoltStore) CreateService(service *types.ServiceRecord) error {
	return s.put(bucketServices, service.ID, service)
}

func (s *BoltStore) GetService(id string) (*types.ServiceRecord, error) {
	var service types.ServiceRecord
	if err := s.get(bucketServices, id, "service", &service); err != nil {
		return nil, err
	}
	return &service, nil
}

func (s *BoltStore) GetServiceByName(name string) (*types.ServiceRecord, error) {
	services, err := s.ListServices()
	if err != nil {
		return nil, err
	}
	for _, service := range services {
		if service.Name == name {
			return service, nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", name, types.ErrNotFound)
}

func (s *BoltStore) ListServices() ([]*types.ServiceRecord, error) {
	var services []*types.ServiceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).ForEach(func(k, v []byte) error {
			var service types.ServiceRecord
			if err := json.Unmarshal(v, &service); err != nil {
				return err
			}
			services = append(services, &service)
			return nil
		})
	})
	return services, err
}

// DeleteService removes a service and every endpoint registered under it
func (s *BoltStore) DeleteService(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketServices).Delete([]byte(id)); err != nil {
			return err
		}
		b := tx.Bucket(bucketEndpoints)
		prefix := endpointPrefix(id)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Endpoint operations. Endpoints are keyed "<service id>/<endpoint id>" so
// one service's endpoints are a contiguous key range.
func endpointPrefix(serviceID string) []byte {
	return []byte(serviceID + "/")
}

func (s *BoltStore) PutEndpoint(serviceID string, ep *types.Endpoint) error {
	return s.put(bucketEndpoints, serviceID+"/"+ep.InstanceID, ep)
}

func (s *BoltStore) DeleteEndpoint(serviceID, endpointID string) error {
	return s.delete(bucketEndpoints, serviceID+"/"+endpointID)
}

func (s *BoltStore) ListEndpoints(serviceID string) ([]*types.Endpoint, error) {
	var endpoints []*types.Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := endpointPrefix(serviceID)
		c := tx.Bucket(bucketEndpoints).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ep types.Endpoint
			if err := json.Unmarshal(v, &ep); err != nil {
				return err
			}
			endpoints = append(endpoints, &ep)
		}
		return nil
	})
	return endpoints, err
}

// Task record operations
func (s *BoltStore) PutTaskRecord(rec *types.TaskRecord) error {
	return s.put(bucketTasks, rec.TaskID, rec)
}

func (s *BoltStore) GetTaskRecord(taskID string) (*types.TaskRecord, error) {
	var rec types.TaskRecord
	if err := s.get(bucketTasks, taskID, "task", &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListTaskRecords() ([]*types.TaskRecord, error) {
	var records []*types.TaskRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, err
}

func (s *BoltStore) DeleteTaskRecord(taskID string) error {
	return s.delete(bucketTasks, taskID)
}

// Unit operations
func (s *BoltStore) PutUnit(unit *types.UnitRecord) error {
	unit.UpdatedAt = time.Now()
	return s.put(bucketUnits, unit.Key, unit)
}

func (s *BoltStore) GetUnit(key string) (*types.UnitRecord, error) {
	var unit types.UnitRecord
	if err := s.get(bucketUnits, key, "unit", &unit); err != nil {
		return nil, err
	}
	return &unit, nil
}

func (s *BoltStore) ListUnits() ([]*types.UnitRecord, error) {
	var units []*types.UnitRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnits).ForEach(func(k, v []byte) error {
			var unit types.UnitRecord
			if err := json.Unmarshal(v, &unit); err != nil {
				return err
			}
			units = append(units, &unit)
			return nil
		})
	})
	return units, err
}
