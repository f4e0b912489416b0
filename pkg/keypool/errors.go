package keypool

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

var (
	// ErrRateLimited marks quota or 429 failures
	ErrRateLimited = errors.New("rate limited")
	// ErrServer marks upstream 5xx failures
	ErrServer = errors.New("upstream server error")
	// ErrNoKeys is returned when a role has no usable credential
	ErrNoKeys = errors.New("no API key configured")
	// ErrNotResumable is returned by Resume on a suspension with no bound operation
	ErrNotResumable = errors.New("suspension has no resume operation")
	// ErrAlreadyResumed is returned by the second Resume call
	ErrAlreadyResumed = errors.New("suspension already resumed")
)

// ErrorClass is how the retry controller treats a failure
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassRateLimit
	ClassServer
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limited"
	case ClassServer:
		return "server_error"
	default:
		return "failed"
	}
}

var rateLimitHintRe = regexp.MustCompile(`\b429\b|RESOURCE_EXHAUSTED`)

// Classify maps an error to its retry class. Provider errors are matched
// by HTTP status; anything carrying a 429 or RESOURCE_EXHAUSTED marker in
// its message also counts as a rate limit.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, ErrRateLimited) {
		return ClassRateLimit
	}
	if errors.Is(err, ErrServer) {
		return ClassServer
	}

	var status interface{ UpstreamStatus() int }
	if errors.As(err, &status) {
		code := status.UpstreamStatus()
		switch {
		case code == 429:
			return ClassRateLimit
		case code >= 500:
			return ClassServer
		}
	}

	if rateLimitHintRe.MatchString(err.Error()) {
		return ClassRateLimit
	}
	return ClassOther
}

// Suspension is returned instead of a plain error when a role's
// credentials are exhausted by rate limits. The outermost operation binds
// a resume function; Resume re-runs that operation from the top.
type Suspension struct {
	ID   string
	Role Role
	Err  error

	mu      sync.Mutex
	resume  func(ctx context.Context) error
	resumed bool
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %v", s.Role, s.Err)
}

func (s *Suspension) Unwrap() error { return s.Err }

// Bind attaches the operation Resume will re-run. Later binds replace
// earlier ones, so the outermost caller wins.
func (s *Suspension) Bind(resume func(ctx context.Context) error) *Suspension {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resume = resume
	return s
}

// Resumable reports whether an operation is bound and not yet resumed
func (s *Suspension) Resumable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume != nil && !s.resumed
}

// Resume runs the bound operation. It can be consumed once.
func (s *Suspension) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.resume == nil {
		s.mu.Unlock()
		return ErrNotResumable
	}
	if s.resumed {
		s.mu.Unlock()
		return ErrAlreadyResumed
	}
	s.resumed = true
	resume := s.resume
	s.mu.Unlock()

	return resume(ctx)
}

// AsSuspension extracts a *Suspension from err
func AsSuspension(err error) (*Suspension, bool) {
	var s *Suspension
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// ExhaustionEvent is published once per suspension
type ExhaustionEvent struct {
	SuspensionID string `json:"suspension_id"`
	Role         Role   `json:"role"`
	Message      string `json:"message"`
}
