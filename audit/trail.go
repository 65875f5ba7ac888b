// Package audit implements the accountability trail: an append-only,
// hash-chained log of state-changing events (tally overrides, dead-letter
// fallbacks, dead-lettered votes). The trail is persisted in a pogreb
// key-value store. A failed append or a broken chain is a constitutional
// failure; callers must let it propagate and halt.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/akrylysov/pogreb"

	"github.com/agora-sim/agora/fault"
	"github.com/agora-sim/agora/log"
)

const moduleName = "audit"

// EventKind labels the kind of audited event.
type EventKind string

const (
	// KindOverride records a tally override applied after validation.
	KindOverride EventKind = "override"
	// KindDeadLetterFallback records a dead-lettered vote being promoted
	// to its optimistic choice during reconciliation.
	KindDeadLetterFallback EventKind = "dlq_fallback"
	// KindDeadLetter records a vote reaching the dead-letter queue.
	KindDeadLetter EventKind = "dead_letter"
)

// Event is a single accountability trail entry.
type Event struct {
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"session_id"`
	VoteID    string          `json:"vote_id"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	At        time.Time       `json:"at"`
}

// record is the persisted form of an event, carrying its chain position.
type record struct {
	Seq      uint64 `json:"seq"`
	Event    Event  `json:"event"`
	PrevHash []byte `json:"prev_hash"`
	Hash     []byte `json:"hash"`
}

var lenKey = []byte("trail/len")

func seqKey(seq uint64) []byte {
	key := make([]byte, 8+len("trail/ev/"))
	copy(key, "trail/ev/")
	binary.BigEndian.PutUint64(key[len("trail/ev/"):], seq)
	return key
}

// Trail is a hash-chained append-only event log.
type Trail struct {
	mu sync.Mutex

	db     *pogreb.DB
	path   string
	logger *log.Logger

	length   uint64
	headHash []byte
}

// Open opens (or creates) the trail at path and restores the chain head.
func Open(path string, logger *log.Logger) (*Trail, error) {
	db, err := pogreb.Open(path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		return nil, fmt.Errorf("audit: opening trail store: %w", err)
	}
	t := &Trail{
		db:     db,
		path:   path,
		logger: logger.WithModule(moduleName),
	}
	if err := t.restore(); err != nil {
		_ = db.Close()
		return nil, err
	}
	t.logger.Info("accountability trail opened", "path", path, "entries", t.length)
	return t, nil
}

func (t *Trail) restore() error {
	raw, err := t.db.Get(lenKey)
	if err != nil {
		return fmt.Errorf("audit: reading trail length: %w", err)
	}
	if raw == nil {
		t.length = 0
		t.headHash = make([]byte, sha256.Size)
		return nil
	}
	t.length = binary.BigEndian.Uint64(raw)
	if t.length == 0 {
		t.headHash = make([]byte, sha256.Size)
		return nil
	}
	var rec record
	last, err := t.db.Get(seqKey(t.length - 1))
	if err != nil || last == nil {
		return &fault.IntegrityError{Reason: "trail head record missing", Err: err}
	}
	if err := json.Unmarshal(last, &rec); err != nil {
		return &fault.IntegrityError{Reason: "trail head record unreadable", Err: err}
	}
	t.headHash = rec.Hash
	return nil
}

func chainHash(prev []byte, payload []byte) []byte {
	h := sha256.New()
	h.Write(prev)
	h.Write(payload)
	return h.Sum(nil)
}

// Append adds an event to the trail. A store failure is returned as an
// AuditWriteError, which the error handler maps to PROPAGATE.
func (t *Trail) Append(ev Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return &fault.AuditWriteError{Err: err}
	}
	rec := record{
		Seq:      t.length,
		Event:    ev,
		PrevHash: t.headHash,
		Hash:     chainHash(t.headHash, payload),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return &fault.AuditWriteError{Err: err}
	}
	if err := t.db.Put(seqKey(rec.Seq), raw); err != nil {
		return &fault.AuditWriteError{Err: err}
	}
	lenBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lenBuf, t.length+1)
	if err := t.db.Put(lenKey, lenBuf); err != nil {
		return &fault.AuditWriteError{Err: err}
	}
	if err := t.db.Sync(); err != nil {
		return &fault.AuditWriteError{Err: err}
	}

	t.length++
	t.headHash = rec.Hash
	return nil
}

// Verify walks the whole chain and recomputes every hash. A mismatch is an
// IntegrityError (hash-chain break).
func (t *Trail) Verify() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := make([]byte, sha256.Size)
	for seq := uint64(0); seq < t.length; seq++ {
		raw, err := t.db.Get(seqKey(seq))
		if err != nil || raw == nil {
			return &fault.IntegrityError{Reason: fmt.Sprintf("trail record %d missing", seq), Err: err}
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return &fault.IntegrityError{Reason: fmt.Sprintf("trail record %d unreadable", seq), Err: err}
		}
		if !bytes.Equal(rec.PrevHash, prev) {
			return &fault.IntegrityError{Reason: fmt.Sprintf("hash chain break at record %d", seq)}
		}
		payload, err := json.Marshal(rec.Event)
		if err != nil {
			return &fault.IntegrityError{Reason: fmt.Sprintf("trail record %d unmarshalable", seq), Err: err}
		}
		if !bytes.Equal(rec.Hash, chainHash(rec.PrevHash, payload)) {
			return &fault.IntegrityError{Reason: fmt.Sprintf("hash chain break at record %d", seq)}
		}
		prev = rec.Hash
	}
	return nil
}

// Length returns the number of trail entries.
func (t *Trail) Length() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.length
}

// Close closes the underlying store.
func (t *Trail) Close() error {
	return t.db.Close()
}
