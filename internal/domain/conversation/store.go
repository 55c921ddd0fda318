// Package conversation keeps multi-turn threads in memory so follow-up calls
// can carry prior context. Threads are bounded in turn count and idle age;
// there is no persistence.
package conversation

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pal-server/router-api/internal/infrastructure/logger"
)

var ErrThreadNotFound = errors.New("conversation thread not found")

const (
	DefaultMaxTurns = 50
	DefaultMaxIdle  = 3 * time.Hour
)

// Turn is one utterance in a thread, with the files that were embedded in
// the request that produced it.
type Turn struct {
	Role          string
	Content       string
	EmbeddedFiles []string
	ModelUsed     string
	CreatedAt     time.Time
}

type thread struct {
	id           string
	createdAt    time.Time
	lastActiveAt time.Time
	turns        []Turn
}

// Store is an in-memory thread registry. Appends to the same thread
// serialize through the store mutex.
type Store struct {
	mu       sync.Mutex
	threads  map[string]*thread
	maxTurns int
	maxIdle  time.Duration
	now      func() time.Time
}

func NewStore(maxTurns int, maxIdle time.Duration) *Store {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Store{
		threads:  make(map[string]*thread),
		maxTurns: maxTurns,
		maxIdle:  maxIdle,
		now:      time.Now,
	}
}

// Create registers a new empty thread and returns its id.
func (s *Store) Create() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	now := s.now()
	s.threads[id] = &thread{id: id, createdAt: now, lastActiveAt: now}
	return id
}

// Append adds a turn, evicting the oldest turns past the bound. Expired
// threads are dropped rather than revived.
func (s *Store) Append(id string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.liveThread(id)
	if !ok {
		return ErrThreadNotFound
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	th.turns = append(th.turns, turn)
	if over := len(th.turns) - s.maxTurns; over > 0 {
		logger.GetLogger().Debug().
			Str("thread_id", id).
			Int("evicted", over).
			Msg("evicting oldest conversation turns")
		th.turns = append([]Turn(nil), th.turns[over:]...)
	}
	th.lastActiveAt = s.now()
	return nil
}

// Turns returns a copy of the thread's turns, oldest first.
func (s *Store) Turns(id string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.liveThread(id)
	if !ok {
		return nil, ErrThreadNotFound
	}
	out := make([]Turn, len(th.turns))
	copy(out, th.turns)
	return out, nil
}

// Exists reports whether a thread is present and not expired.
func (s *Store) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveThread(id)
	return ok
}

// Len reports the number of live threads, sweeping expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, th := range s.threads {
		if now.Sub(th.lastActiveAt) > s.maxIdle {
			delete(s.threads, id)
		}
	}
	return len(s.threads)
}

func (s *Store) liveThread(id string) (*thread, bool) {
	th, ok := s.threads[id]
	if !ok {
		return nil, false
	}
	if s.now().Sub(th.lastActiveAt) > s.maxIdle {
		delete(s.threads, id)
		return nil, false
	}
	return th, true
}
