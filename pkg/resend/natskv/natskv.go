// Package natskv stores pending resend messages in NATS JetStream
// key-value buckets, so that they survive a process restart.
//
// Pending entries live in one bucket and dead messages in a second one
// named after it. Keys are "<channel>.<message>" with both parts base64url
// encoded, since key-value keys only allow a restricted alphabet.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/getmockd/lime/pkg/envelope"
	"github.com/getmockd/lime/pkg/resend"
)

// DeadSuffix is appended to the bucket name for the dead message bucket.
const DeadSuffix = "_dead"

// Config configures the buckets.
type Config struct {
	// Bucket is the pending bucket name. Required.
	Bucket string
	// Replicas is the number of bucket replicas. Zero means one.
	Replicas int
	// DeadTTL expires dead messages. Zero keeps them.
	DeadTTL time.Duration
}

// Storage implements resend.Storage on JetStream key-value buckets.
type Storage struct {
	pending jetstream.KeyValue
	dead    jetstream.KeyValue
}

var _ resend.Storage = (*Storage)(nil)

type entry struct {
	Deadline time.Time       `json:"deadline"`
	Message  json.RawMessage `json:"message"`
}

// New creates or updates the buckets described by cfg.
func New(ctx context.Context, js jetstream.JetStream, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("natskv: bucket name is required")
	}

	pending, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "lime pending resend messages",
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: creating bucket %s: %w", cfg.Bucket, err)
	}

	dead, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket + DeadSuffix,
		Description: "lime dead messages",
		Replicas:    cfg.Replicas,
		TTL:         cfg.DeadTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("natskv: creating bucket %s%s: %w", cfg.Bucket, DeadSuffix, err)
	}

	return &Storage{pending: pending, dead: dead}, nil
}

// Add implements resend.Storage.
func (s *Storage) Add(ctx context.Context, channelKey, messageKey string, m *envelope.Message, deadline time.Time) error {
	value, err := encode(m, deadline)
	if err != nil {
		return err
	}
	if _, err := s.pending.Put(ctx, key(channelKey, messageKey), value); err != nil {
		return fmt.Errorf("natskv: storing %s: %w", messageKey, err)
	}
	return nil
}

// Remove implements resend.Storage. When two callers race for the same
// entry only one of them gets the message.
func (s *Storage) Remove(ctx context.Context, channelKey, messageKey string) (*envelope.Message, error) {
	k := key(channelKey, messageKey)
	kve, err := s.pending.Get(ctx, k)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("natskv: reading %s: %w", messageKey, err)
	}

	if err := s.pending.Delete(ctx, k, jetstream.LastRevision(kve.Revision())); err != nil {
		if removedConcurrently(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("natskv: deleting %s: %w", messageKey, err)
	}

	e, err := decode(kve.Value())
	if err != nil {
		return nil, fmt.Errorf("natskv: decoding %s: %w", messageKey, err)
	}
	return e.message, nil
}

// GetExpiredKeys implements resend.Storage.
func (s *Storage) GetExpiredKeys(ctx context.Context, channelKey string, reference time.Time) ([]string, error) {
	keys, err := s.pending.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("natskv: listing keys: %w", err)
	}

	prefix := encodePart(channelKey) + "."
	type expired struct {
		key      string
		deadline time.Time
	}
	var found []expired
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		kve, err := s.pending.Get(ctx, k)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("natskv: reading %s: %w", k, err)
		}
		e, err := decode(kve.Value())
		if err != nil {
			return nil, fmt.Errorf("natskv: decoding %s: %w", k, err)
		}
		if e.deadline.After(reference) {
			continue
		}
		messageKey, err := decodePart(strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, fmt.Errorf("natskv: malformed key %s: %w", k, err)
		}
		found = append(found, expired{key: messageKey, deadline: e.deadline})
	}

	slices.SortFunc(found, func(a, b expired) int { return a.deadline.Compare(b.deadline) })
	out := make([]string, len(found))
	for i, e := range found {
		out[i] = e.key
	}
	return out, nil
}

// AddDead implements resend.Storage.
func (s *Storage) AddDead(ctx context.Context, channelKey, messageKey string, m *envelope.Message) error {
	value, err := encode(m, time.Now())
	if err != nil {
		return err
	}
	if _, err := s.dead.Put(ctx, key(channelKey, messageKey), value); err != nil {
		return fmt.Errorf("natskv: storing dead %s: %w", messageKey, err)
	}
	return nil
}

// Dead returns the dead message stored for the keys, or nil.
func (s *Storage) Dead(ctx context.Context, channelKey, messageKey string) (*envelope.Message, error) {
	kve, err := s.dead.Get(ctx, key(channelKey, messageKey))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("natskv: reading dead %s: %w", messageKey, err)
	}
	e, err := decode(kve.Value())
	if err != nil {
		return nil, err
	}
	return e.message, nil
}

// removedConcurrently reports whether a revision-checked delete lost to
// another writer.
func removedConcurrently(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

type decoded struct {
	deadline time.Time
	message  *envelope.Message
}

func encode(m *envelope.Message, deadline time.Time) ([]byte, error) {
	raw, err := envelope.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("natskv: encoding message %s: %w", m.ID, err)
	}
	return json.Marshal(entry{Deadline: deadline, Message: raw})
}

func decode(value []byte) (decoded, error) {
	var e entry
	if err := json.Unmarshal(value, &e); err != nil {
		return decoded{}, err
	}
	env, err := envelope.Unmarshal(e.Message)
	if err != nil {
		return decoded{}, err
	}
	m, ok := env.(*envelope.Message)
	if !ok {
		return decoded{}, fmt.Errorf("stored %s is not a message", envelope.KindOf(env))
	}
	return decoded{deadline: e.Deadline, message: m}, nil
}

func key(channelKey, messageKey string) string {
	return encodePart(channelKey) + "." + encodePart(messageKey)
}

func encodePart(s string) string {
	if s == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodePart(s string) (string, error) {
	if s == "_" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	return string(b), err
}
