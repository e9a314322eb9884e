package replica

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var appliedBucket = []byte("applied")

// Journal is a bbolt-backed audit record of every command this replica
// has applied, keyed by consensus instance. It exists for operator
// inspection only: a restarted replica never reads it back, because a
// restarted process rejoins the cluster as a fresh replica.
type Journal struct {
	conn *bbolt.DB
}

// JournalEntry is one applied command as recorded in the journal
type JournalEntry struct {
	Instance  uint64    `json:"instance"`
	Command   *Command  `json:"command"`
	Status    Status    `json:"status"`
	Qty       uint64    `json:"qty"`
	AppliedAt time.Time `json:"applied_at"`
}

// OpenJournal opens (or creates) the journal database at path
func OpenJournal(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appliedBucket); err != nil {
			return fmt.Errorf("failed to create applied bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{conn: db}, nil
}

// Record writes one applied command to the journal
func (j *Journal) Record(instance uint64, cmd *Command, reply Reply) error {
	entry := JournalEntry{
		Instance:  instance,
		Command:   cmd,
		Status:    reply.Status,
		Qty:       reply.Qty,
		AppliedAt: time.Now(),
	}

	return j.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(appliedBucket)

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal journal entry: %w", err)
		}

		return bucket.Put(uint64ToBytes(instance), data)
	})
}

// Entry reads the journal entry for one instance, or nil if absent
func (j *Journal) Entry(instance uint64) (*JournalEntry, error) {
	var entry *JournalEntry

	err := j.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(appliedBucket)

		data := bucket.Get(uint64ToBytes(instance))
		if data == nil {
			return nil
		}

		entry = &JournalEntry{}
		if err := json.Unmarshal(data, entry); err != nil {
			entry = nil
			return fmt.Errorf("failed to unmarshal journal entry: %w", err)
		}
		return nil
	})

	return entry, err
}

// LastInstance returns the highest instance recorded, or false when the
// journal is empty
func (j *Journal) LastInstance() (uint64, bool, error) {
	var instance uint64
	var found bool

	err := j.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(appliedBucket)

		key, _ := bucket.Cursor().Last()
		if key != nil {
			instance = bytesToUint64(key)
			found = true
		}
		return nil
	})

	return instance, found, err
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.conn.Close()
}

func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func bytesToUint64(buf []byte) uint64 {
	return binary.BigEndian.Uint64(buf)
}
