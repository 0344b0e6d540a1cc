// Package redisstream adapts a Redis-Streams-backed purchase-management
// service to the txn.Source contract. Live updates are consumed through a
// consumer group, so records that are never finished are redelivered by
// the broker, matching the acknowledge-exactly-once contract.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/open-rails/storekit/logging"
	"github.com/open-rails/storekit/txn"
)

// Config names the stream and snapshot keys the backend publishes to.
type Config struct {
	// Stream is the update stream key. Defaults to "store:updates".
	Stream string
	// Group is the consumer group name. Defaults to "storekit".
	Group string
	// Consumer is this process' consumer name within the group. It must
	// be stable across restarts so the process reclaims its own pending
	// entries. Defaults to the host name.
	Consumer string
	// SnapshotPrefix prefixes the per-user entitlement snapshot keys.
	// Defaults to "store:entitlements:".
	SnapshotPrefix string
	// BlockFor bounds each blocking read. Defaults to 5s; the listener
	// loops, so the stream stays effectively unbounded.
	BlockFor time.Duration

	Logger logging.Logger
}

// Source reads raw transaction records from Redis.
type Source struct {
	rdb    *redis.Client
	cfg    Config
	logger logging.Logger

	mu      sync.Mutex
	userID  string
	pending map[uuid.UUID]string // record id -> stream message id
}

// New builds a Source over the given client.
func New(rdb *redis.Client, cfg Config) *Source {
	if cfg.Stream == "" {
		cfg.Stream = "store:updates"
	}
	if cfg.Group == "" {
		cfg.Group = "storekit"
	}
	if cfg.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "storekit"
		}
		cfg.Consumer = host
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "store:entitlements:"
	}
	if cfg.BlockFor <= 0 {
		cfg.BlockFor = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Source{rdb: rdb, cfg: cfg, logger: logger, pending: make(map[uuid.UUID]string)}
}

// Updates consumes the stream through the consumer group until ctx is
// cancelled, then closes the returned channel. Entries delivered to this
// consumer but never finished survive in the group's pending entries
// list; those are drained first, so a restarted process re-delivers them
// before asking the broker for new messages.
func (s *Source) Updates(ctx context.Context) <-chan txn.RawRecord {
	ch := make(chan txn.RawRecord)
	go func() {
		defer close(ch)
		if err := s.ensureGroup(ctx); err != nil {
			s.logger.Error("redisstream: create consumer group: %v", err)
			return
		}
		// "0" walks this consumer's pending entries; ">" asks for new
		// messages once the backlog is exhausted.
		cursor := "0"
		for {
			if ctx.Err() != nil {
				return
			}
			streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    s.cfg.Group,
				Consumer: s.cfg.Consumer,
				Streams:  []string{s.cfg.Stream, cursor},
				Count:    16,
				Block:    s.cfg.BlockFor,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warning("redisstream: read failed, retrying: %v", err)
				continue
			}
			delivered := 0
			last := ""
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					delivered++
					last = msg.ID
					rec, err := decodeMessage(msg)
					if err != nil {
						// Malformed broker entries are acked away so
						// they do not redeliver forever.
						s.logger.Error("redisstream: dropping malformed entry %s: %v", msg.ID, err)
						_ = s.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, msg.ID).Err()
						continue
					}
					s.mu.Lock()
					s.pending[rec.ID] = msg.ID
					s.mu.Unlock()
					select {
					case ch <- rec:
					case <-ctx.Done():
						return
					}
				}
			}
			if cursor != ">" {
				// One sweep over the backlog per session: advance past
				// what was just delivered, and switch to live reads once
				// the backlog reads empty. Entries that again fail
				// verification stay pending for the next session.
				if delivered == 0 {
					s.logger.Debug("redisstream: pending backlog drained")
					cursor = ">"
				} else {
					cursor = last
				}
			}
		}
	}()
	return ch
}

// CurrentEntitlements reads the user's snapshot key.
func (s *Source) CurrentEntitlements(ctx context.Context) ([]txn.RawRecord, error) {
	s.mu.Lock()
	key := s.cfg.SnapshotPrefix + s.userID
	s.mu.Unlock()

	val, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstream: fetch entitlements: %w", err)
	}
	var wires []wireRecord
	if err := json.Unmarshal(val, &wires); err != nil {
		return nil, fmt.Errorf("redisstream: decode entitlements: %w", err)
	}
	out := make([]txn.RawRecord, 0, len(wires))
	for _, w := range wires {
		rec, err := w.record()
		if err != nil {
			return nil, fmt.Errorf("redisstream: decode entitlements: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Finish acknowledges a stream-delivered record. Snapshot records carry
// no pending message and finish as a no-op.
func (s *Source) Finish(ctx context.Context, rec txn.RawRecord) error {
	s.mu.Lock()
	msgID, ok := s.pending[rec.ID]
	if ok {
		delete(s.pending, rec.ID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, msgID).Err()
}

// SetUserID rebinds the snapshot key namespace.
func (s *Source) SetUserID(ctx context.Context, userID string) error {
	_ = ctx
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	return nil
}

func (s *Source) ensureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// wireRecord is the JSON shape the backend publishes.
type wireRecord struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductType string `json:"product_type"`
	State       string `json:"state"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	RevokedAt   string `json:"revoked_at,omitempty"`
	Envelope    string `json:"envelope,omitempty"`
}

func (w wireRecord) record() (txn.RawRecord, error) {
	id, err := uuid.Parse(w.ID)
	if err != nil {
		return txn.RawRecord{}, fmt.Errorf("record id: %w", err)
	}
	rec := txn.RawRecord{
		ID:          id,
		ProductID:   w.ProductID,
		ProductType: txn.ProductType(w.ProductType),
		State:       w.State,
		Envelope:    w.Envelope,
	}
	if w.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, w.ExpiresAt)
		if err != nil {
			return txn.RawRecord{}, fmt.Errorf("expires_at: %w", err)
		}
		rec.ExpiresAt = &t
	}
	if w.RevokedAt != "" {
		t, err := time.Parse(time.RFC3339, w.RevokedAt)
		if err != nil {
			return txn.RawRecord{}, fmt.Errorf("revoked_at: %w", err)
		}
		rec.RevokedAt = &t
	}
	return rec, nil
}

func decodeMessage(msg redis.XMessage) (txn.RawRecord, error) {
	w := wireRecord{
		ID:          stringField(msg, "id"),
		ProductID:   stringField(msg, "product_id"),
		ProductType: stringField(msg, "product_type"),
		State:       stringField(msg, "state"),
		ExpiresAt:   stringField(msg, "expires_at"),
		RevokedAt:   stringField(msg, "revoked_at"),
		Envelope:    stringField(msg, "envelope"),
	}
	return w.record()
}

func stringField(msg redis.XMessage, name string) string {
	v, ok := msg.Values[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
