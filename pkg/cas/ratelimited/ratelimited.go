package ratelimited

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrLoginLimitReached = errors.New("login limit reached")

// Loginer performs a single login attempt.
type Loginer interface {
	Login(ctx context.Context, username, password string) (string, error)
}

type lservice struct {
	limit time.Duration
	next  Loginer

	mu       sync.Mutex // protects fields below
	limiters map[string]*rate.Limiter
}

// New returns a Loginer that wraps next and limits attempts through it.
// Attempts can happen at most at intervals specified by limit per username;
// rejected attempts never reach the wrapped Loginer.
func New(limit time.Duration, next Loginer) *lservice {
	return &lservice{
		limit:    limit,
		next:     next,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *lservice) Login(ctx context.Context, username, password string) (string, error) {
	return s.login(ctx, username, password, time.Now())
}

func (s *lservice) login(ctx context.Context, username, password string, now time.Time) (string, error) {
	if limiter := s.limiter(username); !limiter.AllowN(now, 1) {
		return "", ErrLoginLimitReached
	}
	return s.next.Login(ctx, username, password)
}

func (s *lservice) limiter(username string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, ok := s.limiters[username]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.limit), 1)
		s.limiters[username] = limiter
	}

	return limiter
}
