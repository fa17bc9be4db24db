package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/lab/crftagger/internal/errs"
)

var iterationsBucket = []byte("Iterations")

// iterationSnapshot is what CheckpointStore persists after each L-BFGS
// iteration or SGD epoch: enough to resume a crashed training run
// without redoing the sweeps already completed. This is single-run
// crash-resume only -- not incremental learning across separate training
// invocations, which spec §1 excludes.
type iterationSnapshot struct {
	Iteration int       `json:"iteration"`
	Objective float64    `json:"objective"`
	Weights   []float64  `json:"weights"`
}

// CheckpointStore wraps a bbolt database holding one bucket of
// iteration snapshots, keyed by big-endian iteration number so the
// latest snapshot is always the bucket cursor's last entry.
type CheckpointStore struct {
	db *bbolt.DB
}

// OpenCheckpointStore opens (creating if absent) the checkpoint database
// at path.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errs.NewIOError(path, 0, "cannot open checkpoint database", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(iterationsBucket)
		return err
	})
	if err != nil {
		return nil, errs.NewIOError(path, 0, "cannot create checkpoint bucket", err)
	}
	return &CheckpointStore{db: db}, nil
}

func (c *CheckpointStore) Close() error {
	return c.db.Close()
}

// SaveIteration persists one iteration's objective and weight vector.
func (c *CheckpointStore) SaveIteration(iteration int, objective float64, weights []float64) error {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, uint32(iteration))

	data, err := json.Marshal(iterationSnapshot{Iteration: iteration, Objective: objective, Weights: weights})
	if err != nil {
		return errs.NewInternalError(fmt.Sprintf("cannot marshal checkpoint: %v", err))
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(iterationsBucket).Put(key, data)
	})
}

// LoadLatest returns the most recently saved iteration snapshot, or ok
// == false if the store has none (a fresh training run).
func (c *CheckpointStore) LoadLatest() (iteration int, objective float64, weights []float64, ok bool, err error) {
	txErr := c.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(iterationsBucket).Cursor()
		k, v := cur.Last()
		if k == nil {
			return nil
		}
		var snap iterationSnapshot
		if unmarshalErr := json.Unmarshal(v, &snap); unmarshalErr != nil {
			return unmarshalErr
		}
		iteration, objective, weights, ok = snap.Iteration, snap.Objective, snap.Weights, true
		return nil
	})
	if txErr != nil {
		return 0, 0, nil, false, errs.NewInternalError(fmt.Sprintf("corrupt checkpoint entry: %v", txErr))
	}
	return iteration, objective, weights, ok, nil
}
