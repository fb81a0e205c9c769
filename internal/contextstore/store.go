// Package contextstore keeps in-flight negotiation state per conversation.
//
// Reads go in-process fallback → cache → durable mirror → empty state. Writes
// go to the cache (or the fallback when the cache is down) and are mirrored to
// durable storage on a best-effort basis. A fallback entry only exists while
// its write has not reached the cache, so it wins over any cached copy and is
// pushed back to the cache on the next read. No method returns an error: a turn
// must be able to proceed with whatever state is reachable.
package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
)

const (
	DefaultTTL           = time.Hour
	DefaultHistoryWindow = 10
	DefaultCurrency      = "COP"
)

// cacheAPI is the subset of *redis.Client used by Store.
type cacheAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Durable is the conversation persistence the store mirrors into.
// GetConversation reports unknown ids with domain.ErrConversationNotFound.
type Durable interface {
	GetConversation(ctx context.Context, conversationID int64) (domain.Conversation, error)
	SaveNegotiation(ctx context.Context, state domain.ConversationState) error
	GetHistory(ctx context.Context, conversationID int64, limit int) ([]domain.Message, error)
}

type localEntry struct {
	state   domain.ConversationState
	expires time.Time
}

type Store struct {
	cache           cacheAPI
	durable         Durable
	ttl             time.Duration
	historyWindow   int
	defaultCurrency string
	now             func() time.Time

	mu    sync.Mutex
	local map[int64]localEntry
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithHistoryWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyWindow = n
		}
	}
}

func WithDefaultCurrency(currency string) Option {
	return func(s *Store) {
		if currency != "" {
			s.defaultCurrency = currency
		}
	}
}

// New builds a Store. cache may be nil, in which case only the in-process
// fallback is used.
func New(cache cacheAPI, durable Durable, opts ...Option) (*Store, error) {
	if durable == nil {
		return nil, errors.New("contextstore: durable store must not be nil")
	}
	s := &Store{
		cache:           cache,
		durable:         durable,
		ttl:             DefaultTTL,
		historyWindow:   DefaultHistoryWindow,
		defaultCurrency: DefaultCurrency,
		now:             time.Now,
		local:           make(map[int64]localEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the cache key for a conversation.
func Key(conversationID int64) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// Get returns the negotiation for a conversation with its recent message
// history attached.
func (s *Store) Get(ctx context.Context, conversationID int64) domain.ConversationState {
	st, ok := s.fromLocal(conversationID)
	if ok {
		s.toCache(ctx, conversationID, st)
	} else {
		st, ok = s.fromCache(ctx, conversationID)
	}
	if !ok {
		st, ok = s.fromDurable(ctx, conversationID)
	}
	if !ok {
		st = domain.NewConversationState(conversationID, 0, s.defaultCurrency)
	}

	st.ConversationID = conversationID
	if st.Currency == "" {
		st.Currency = s.defaultCurrency
	}
	if !st.HasTransferData() {
		st.ConfirmationPending = false
	}
	st.Messages = s.history(ctx, conversationID)
	return st
}

// Set stores the negotiation. Message history is not cached.
func (s *Store) Set(ctx context.Context, conversationID int64, st domain.ConversationState) {
	st.ConversationID = conversationID
	st.Messages = nil

	if !s.toCache(ctx, conversationID, st) {
		s.storeLocal(conversationID, st)
	}
	if err := s.durable.SaveNegotiation(ctx, st); err != nil {
		slog.Warn("contextstore: durable mirror failed", "conversation_id", conversationID, "err", err)
	}
}

func (s *Store) fromCache(ctx context.Context, conversationID int64) (domain.ConversationState, bool) {
	if s.cache == nil {
		return domain.ConversationState{}, false
	}
	raw, err := s.cache.Get(ctx, Key(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ConversationState{}, false
	}
	if err != nil {
		slog.Warn("contextstore: cache read failed", "conversation_id", conversationID, "err", err)
		return domain.ConversationState{}, false
	}
	var st domain.ConversationState
	if err := json.Unmarshal(raw, &st); err != nil {
		slog.Warn("contextstore: discarding malformed cache entry", "conversation_id", conversationID, "err", err)
		return domain.ConversationState{}, false
	}
	return st, true
}

func (s *Store) toCache(ctx context.Context, conversationID int64, st domain.ConversationState) bool {
	if s.cache == nil {
		return false
	}
	payload, err := json.Marshal(st)
	if err != nil {
		slog.Warn("contextstore: encode state", "conversation_id", conversationID, "err", err)
		return false
	}
	if err := s.cache.Set(ctx, Key(conversationID), payload, s.ttl).Err(); err != nil {
		slog.Warn("contextstore: cache write failed, using local fallback", "conversation_id", conversationID, "err", err)
		return false
	}
	s.dropLocal(conversationID)
	return true
}

func (s *Store) fromLocal(conversationID int64) (domain.ConversationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.local[conversationID]
	if !ok {
		return domain.ConversationState{}, false
	}
	if s.now().After(e.expires) {
		delete(s.local, conversationID)
		return domain.ConversationState{}, false
	}
	return e.state, true
}

func (s *Store) storeLocal(conversationID int64, st domain.ConversationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.local {
		if now.After(e.expires) {
			delete(s.local, id)
		}
	}
	s.local[conversationID] = localEntry{state: st, expires: now.Add(s.ttl)}
}

func (s *Store) dropLocal(conversationID int64) {
	s.mu.Lock()
	delete(s.local, conversationID)
	s.mu.Unlock()
}

func (s *Store) fromDurable(ctx context.Context, conversationID int64) (domain.ConversationState, bool) {
	conv, err := s.durable.GetConversation(ctx, conversationID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		return domain.ConversationState{}, false
	}
	if err != nil {
		slog.Warn("contextstore: durable read failed", "conversation_id", conversationID, "err", err)
		return domain.ConversationState{}, false
	}
	return conv.State(), true
}

func (s *Store) history(ctx context.Context, conversationID int64) []domain.ChatMessage {
	msgs, err := s.durable.GetHistory(ctx, conversationID, s.historyWindow)
	if err != nil {
		slog.Warn("contextstore: history read failed", "conversation_id", conversationID, "err", err)
		return nil
	}
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
