package storage

import (
	"encoding/json"
	"time"

	"github.com/cuemby/flotilla/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// RecordStatus upserts the registry record for task and appends a history
// entry when its state differs from the last recorded status
func (s *BoltStore) RecordStatus(task *types.Task, message string) error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)

		var rec types.TaskRecord
		if data := b.Get([]byte(task.ID)); data != nil {
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
		} else {
			rec = types.TaskRecord{
				TaskID:    task.ID,
				CreatedAt: now,
			}
		}

		rec.Name = task.Name
		rec.Group = task.Group
		rec.InstanceID = task.InstanceID
		rec.ServiceName = task.ServiceName
		rec.Tags = task.Tags
		if len(task.Ports) > 0 {
			rec.Port = task.Ports[0].HostPort
		}

		status := string(task.State)
		if rec.CurrentStatus != status {
			rec.CurrentStatus = status
			rec.LastStatusChangedAt = now
			rec.History = append(rec.History, types.StatusChange{
				Status:  status,
				Message: message,
				At:      now,
			})
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

// PruneTaskRecords deletes records of stopped tasks whose last status
// change is older than stoppedBefore
func (s *BoltStore) PruneTaskRecords(stoppedBefore time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec types.TaskRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CurrentStatus == string(types.TaskStateStopped) && rec.LastStatusChangedAt.Before(stoppedBefore) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}
