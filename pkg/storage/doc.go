/*
Package storage provides BoltDB-backed persistence for Flotilla's local state.

The orchestrator's source of truth for remote resources is the provider;
this package only keeps what the provider does not: the local service
registry used when discovery runs without a cloud registry, the status
history of every task the orchestrator has observed, and the journal of
batch units.

# Buckets

	services    service id                  -> ServiceRecord
	endpoints   "<service id>/<endpoint id>" -> Endpoint
	tasks       task id                     -> TaskRecord (with status history)
	units       unit key                    -> UnitRecord

Values are JSON. Endpoint keys share their service id as prefix so a
service's endpoints are read with a single cursor seek, and deleting a
service removes them in the same transaction.

# Status history

RecordStatus is called whenever the workload tracker observes a task. It
creates the record on first sight and appends a StatusChange only when the
state differs from the last one recorded, so repeated refreshes do not grow
the history. PruneTaskRecords drops records of tasks stopped before a cutoff.

# Usage

	store, err := storage.NewBoltStore("/var/lib/flotilla")
	if err != nil {
		return err
	}
	defer store.Close()

	unit := &types.UnitRecord{Key: "20180501", Status: types.UnitStatusProvisioning}
	if err := store.PutUnit(unit); err != nil {
		return err
	}

Missing keys return an error wrapping types.ErrNotFound.
*/
package storage
