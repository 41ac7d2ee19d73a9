package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	log "github.com/sirupsen/logrus"
)

const journalBucket = "payment_calls"

// Journal entry states.
const (
	CallPending   = "pending"
	CallSucceeded = "succeeded"
	CallFailed    = "failed"
	CallUnknown   = "unknown"
)

// JournalEntry records one gateway call, keyed by its idempotency key.
type JournalEntry struct {
	Key        string     `json:"key"`
	Operation  string     `json:"operation"`
	State      string     `json:"state"`
	ResultID   string     `json:"result_id,omitempty"`
	Amount     int64      `json:"amount,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ErrUnresolvedCall is returned when an earlier attempt of a money-movement
// call never recorded an outcome.
var ErrUnresolvedCall = errors.New("earlier attempt has no recorded outcome")

// JournaledGateway records every keyed call in a local bolt file before it is
// sent. A successful call is replayed from the journal. A capture, transfer or
// refund whose earlier attempt is pending or unknown is refused instead of
// being issued a second time.
type JournaledGateway struct {
	next PaymentGateway
	db   *bolt.DB
}

// ErrJournalLocked is returned when another process holds the journal file,
// usually a running server.
var ErrJournalLocked = errors.New("payment journal is locked by another process")

const journalLockTimeout = 1 * time.Second

func openBolt(path string, readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: journalLockTimeout, ReadOnly: readOnly})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrJournalLocked, path)
		}
		return nil, fmt.Errorf("failed to open payment journal: %w", err)
	}
	return db, nil
}

func OpenJournal(path string, next PaymentGateway) (*JournaledGateway, error) {
	db, err := openBolt(path, false)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(journalBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &JournaledGateway{next: next, db: db}, nil
}

// OpenJournalReadOnly opens the journal for inspection. Any number of readers
// may hold it at once, but not while a writer does. The result must not be
// used as a gateway.
func OpenJournalReadOnly(path string) (*JournaledGateway, error) {
	db, err := openBolt(path, true)
	if err != nil {
		return nil, err
	}
	return &JournaledGateway{db: db}, nil
}

func (j *JournaledGateway) Close() error {
	return j.db.Close()
}

// begin claims key for op. It returns a finished entry to replay, or nil when
// the call should be sent.
func (j *JournaledGateway) begin(key, op string, guarded bool) (*JournalEntry, error) {
	var replay *JournalEntry

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))

		if raw := b.Get([]byte(key)); raw != nil {
			var existing JournalEntry
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			switch existing.State {
			case CallSucceeded:
				replay = &existing
				return nil
			case CallPending, CallUnknown:
				if guarded {
					return fmt.Errorf("%w: %s %s", ErrUnresolvedCall, op, key)
				}
			}
		}

		data, err := json.Marshal(JournalEntry{
			Key:       key,
			Operation: op,
			State:     CallPending,
			StartedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		if errors.Is(err, ErrUnresolvedCall) {
			return nil, fmt.Errorf("%w (%v)", ErrOutcomeUnknown, err)
		}
		return nil, fmt.Errorf("failed to write payment journal: %w", err)
	}
	return replay, nil
}

func (j *JournaledGateway) finish(key, op, resultID string, amount int64, callErr error) {
	now := time.Now().UTC()

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))

		entry := JournalEntry{Key: key, Operation: op, StartedAt: now}
		if raw := b.Get([]byte(key)); raw != nil {
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
		}

		entry.FinishedAt = &now
		entry.ResultID = resultID
		entry.Amount = amount
		switch {
		case callErr == nil:
			entry.State = CallSucceeded
			entry.Error = ""
		case IsDefinitive(callErr):
			entry.State = CallFailed
			entry.Error = callErr.Error()
		default:
			entry.State = CallUnknown
			entry.Error = callErr.Error()
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		// The entry stays pending, which blocks re-issue. That is the safe side.
		log.WithFields(log.Fields{"key": key, "operation": op}).WithError(err).Error("Failed to record payment call outcome")
	}
}

func (j *JournaledGateway) CreateHold(ctx context.Context, req HoldRequest) (string, error) {
	if req.IdempotencyKey == "" {
		return j.next.CreateHold(ctx, req)
	}
	replay, err := j.begin(req.IdempotencyKey, "hold", false)
	if err != nil {
		return "", err
	}
	if replay != nil {
		return replay.ResultID, nil
	}

	id, err := j.next.CreateHold(ctx, req)
	j.finish(req.IdempotencyKey, "hold", id, req.AmountMinor, err)
	return id, err
}

func (j *JournaledGateway) CaptureHold(ctx context.Context, holdID, idempotencyKey string) (*CaptureResult, error) {
	if idempotencyKey == "" {
		return j.next.CaptureHold(ctx, holdID, idempotencyKey)
	}
	replay, err := j.begin(idempotencyKey, "capture", true)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return &CaptureResult{HoldID: replay.ResultID, AmountCaptured: replay.Amount, Status: "succeeded"}, nil
	}

	res, err := j.next.CaptureHold(ctx, holdID, idempotencyKey)
	var resultID string
	var amount int64
	if res != nil {
		resultID, amount = res.HoldID, res.AmountCaptured
	}
	j.finish(idempotencyKey, "capture", resultID, amount, err)
	return res, err
}

func (j *JournaledGateway) CancelHold(ctx context.Context, holdID, idempotencyKey string) error {
	if idempotencyKey == "" {
		return j.next.CancelHold(ctx, holdID, idempotencyKey)
	}
	replay, err := j.begin(idempotencyKey, "cancel", false)
	if err != nil {
		return err
	}
	if replay != nil {
		return nil
	}

	err = j.next.CancelHold(ctx, holdID, idempotencyKey)
	j.finish(idempotencyKey, "cancel", holdID, 0, err)
	return err
}

func (j *JournaledGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if req.IdempotencyKey == "" {
		return j.next.Transfer(ctx, req)
	}
	replay, err := j.begin(req.IdempotencyKey, "transfer", true)
	if err != nil {
		return "", err
	}
	if replay != nil {
		return replay.ResultID, nil
	}

	id, err := j.next.Transfer(ctx, req)
	j.finish(req.IdempotencyKey, "transfer", id, req.AmountMinor, err)
	return id, err
}

func (j *JournaledGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	if req.IdempotencyKey == "" {
		return j.next.Refund(ctx, req)
	}
	replay, err := j.begin(req.IdempotencyKey, "refund", true)
	if err != nil {
		return "", err
	}
	if replay != nil {
		return replay.ResultID, nil
	}

	id, err := j.next.Refund(ctx, req)
	j.finish(req.IdempotencyKey, "refund", id, req.AmountMinor, err)
	return id, err
}

func (j *JournaledGateway) VerifyWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	return j.next.VerifyWebhook(payload, signatureHeader)
}

// Lookup returns the journal entry for key, or nil.
func (j *JournaledGateway) Lookup(key string) (*JournalEntry, error) {
	var entry *JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		entry = &JournalEntry{}
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Unresolved lists calls that are pending or ended with an unknown outcome.
func (j *JournaledGateway) Unresolved() ([]JournalEntry, error) {
	entries := []JournalEntry{}
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(journalBucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e JournalEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.State == CallPending || e.State == CallUnknown {
				entries = append(entries, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
