package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rhkrohan/pigeon/internal/message"
	"github.com/rhkrohan/pigeon/internal/storage"
)

// MessageQueueSize bounds the admitted log; the dedup set is unbounded for
// the process lifetime so eviction never reopens a forwarding loop.
const MessageQueueSize = 500

const logKey = "store.log"

// Config wires dependencies for the message store.
type Config struct {
	Log      *zap.Logger
	KV       storage.KV
	Capacity int
}

// Store is the bounded, insertion-ordered log of admitted messages plus the
// id set used for dedup. The log snapshots to durable storage on mutation;
// the seen set is rebuilt from the log on startup.
type Store struct {
	log      *zap.Logger
	kv       storage.KV
	capacity int

	mu   sync.RWMutex
	msgs []*message.Envelope
	seen map[string]struct{}
}

// New loads the persisted log and rebuilds the dedup set.
func New(cfg Config) (*Store, error) {
	if cfg.KV == nil {
		return nil, errors.New("message store requires storage")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = MessageQueueSize
	}

	s := &Store{
		log:      cfg.Log,
		kv:       cfg.KV,
		capacity: cfg.Capacity,
		seen:     make(map[string]struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Admit inserts a message the store has not seen before, newest first.
// Returns false without any state change for duplicates.
func (s *Store) Admit(m *message.Envelope) bool {
	if m == nil || m.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	s.seen[m.ID] = struct{}{}
	s.msgs = append([]*message.Envelope{m.Clone()}, s.msgs...)
	if len(s.msgs) > s.capacity {
		s.msgs = s.msgs[:s.capacity]
	}
	s.persist()
	return true
}

// MarkSeen records an id in the dedup set without admitting to the log.
// Used for transient probe messages that are processed but not retained.
// Returns false if the id was already seen.
func (s *Store) MarkSeen(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// HasSeen reports dedup-set membership, independent of log eviction.
func (s *Store) HasSeen(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}

// All returns the admitted log, newest first.
func (s *Store) All() []*message.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*message.Envelope, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Clone())
	}
	return out
}

// ByType filters the admitted log, newest first.
func (s *Store) ByType(t message.Type) []*message.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*message.Envelope
	for _, m := range s.msgs {
		if m.Type == t {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Len reports the current log size.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Clear empties both the log and the dedup set.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
	s.seen = make(map[string]struct{})
	s.persist()
}

func (s *Store) load() error {
	raw, ok := s.kv.Get(logKey)
	if !ok || len(raw) == 0 {
		return nil
	}

	var msgs []*message.Envelope
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return fmt.Errorf("decode persisted log: %w", err)
	}
	if len(msgs) > s.capacity {
		msgs = msgs[:s.capacity]
	}
	s.msgs = msgs
	for _, m := range msgs {
		if m != nil && m.ID != "" {
			s.seen[m.ID] = struct{}{}
		}
	}
	return nil
}

// persist snapshots the log under a single key. Failures keep in-memory
// state authoritative; nothing at this layer is fatal.
func (s *Store) persist() {
	raw, err := json.Marshal(s.msgs)
	if err != nil {
		s.log.Error("encode message log", zap.Error(err))
		return
	}
	if err := s.kv.Put(logKey, raw); err != nil {
		s.log.Error("persist message log", zap.Error(err))
	}
}
