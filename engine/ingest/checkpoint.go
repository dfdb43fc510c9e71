package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/repo"
)

var bucketReindex = []byte("reindex")

// Progress is the last completed position of a reindex job.
type Progress struct {
	Cursor    repo.Cursor
	Batches   int
	Items     int
	UpdatedAt time.Time
}

type progressRecord struct {
	Cursor    string `json:"cursor"`
	Batches   int    `json:"batches"`
	Items     int    `json:"items"`
	UpdatedAt int64  `json:"updated_at"`
}

// Checkpoint persists reindex progress in a bbolt file, one key per job.
type Checkpoint struct {
	db *bbolt.DB
}

// OpenCheckpoint opens or creates the checkpoint file at path.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, domain.Configuration("ingest.checkpoint_path", "open %s: %v", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReindex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Close releases the file lock.
func (c *Checkpoint) Close() error { return c.db.Close() }

// Load returns the saved progress of job and whether one exists.
func (c *Checkpoint) Load(job string) (Progress, bool, error) {
	var (
		p     Progress
		found bool
	)
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketReindex).Get([]byte(job))
		if data == nil {
			return nil
		}
		var rec progressRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode checkpoint %q: %w", job, err)
		}
		cur, err := repo.ParseCursor(rec.Cursor)
		if err != nil {
			return fmt.Errorf("checkpoint %q: %w", job, err)
		}
		p = Progress{Cursor: cur, Batches: rec.Batches, Items: rec.Items, UpdatedAt: time.Unix(0, rec.UpdatedAt).UTC()}
		found = true
		return nil
	})
	return p, found, err
}

// Save records p as the progress of job.
func (c *Checkpoint) Save(job string, p Progress) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(progressRecord{
		Cursor:    p.Cursor.String(),
		Batches:   p.Batches,
		Items:     p.Items,
		UpdatedAt: p.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReindex).Put([]byte(job), data)
	})
}

// Clear forgets the progress of job.
func (c *Checkpoint) Clear(job string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReindex).Delete([]byte(job))
	})
}
