package keypool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/harun/lysis/internal/observability"
	"github.com/harun/lysis/pkg/llm"
	"github.com/rs/zerolog"
)

// Role is a credential identity
type Role string

const (
	RoleAgent   Role = "agent"
	RoleWorker1 Role = "worker1"
	RoleWorker2 Role = "worker2"
)

// Roles lists every role in display order
var Roles = []Role{RoleAgent, RoleWorker1, RoleWorker2}

// ParseRole validates a role name
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("invalid role: %s", s)
}

// DevFallbackKeys are placeholders used when a role has no configured keys.
// They only satisfy the mock provider; real providers reject them.
var DevFallbackKeys = []string{"lysis-dev-key-1", "lysis-dev-key-2", "lysis-dev-key-3"}

// ClientFactory builds a provider bound to one credential
type ClientFactory func(key string) (llm.Provider, error)

type batchSetter interface {
	SetMany(ctx context.Context, values map[string]string) error
}

// Pool resolves credentials per role and caches one client per credential
type Pool struct {
	mu        sync.Mutex
	store     Store
	factory   ClientFactory
	fallback  []string
	emergency map[Role]string
	clients   map[string]llm.Provider
	// roles already warned about running on fallback keys
	warned map[Role]bool
	logger zerolog.Logger
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithFallbackKeys replaces the development fallback set. An empty list
// disables the fallback.
func WithFallbackKeys(keys []string) PoolOption {
	return func(p *Pool) {
		p.fallback = append([]string(nil), keys...)
	}
}

// NewPool creates a pool over store
func NewPool(store Store, factory ClientFactory, logger zerolog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:     store,
		factory:   factory,
		fallback:  append([]string(nil), DevFallbackKeys...),
		emergency: make(map[Role]string),
		clients:   make(map[string]llm.Provider),
		warned:    make(map[Role]bool),
		logger:    logger.With().Str("component", "keypool").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseKeys splits a comma-separated list, dropping blanks
func ParseKeys(list string) []string {
	keys := []string{}
	for _, k := range strings.Split(list, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Keys returns the active list for role: the emergency key first (once),
// then configured keys, or the fallback set when nothing is configured.
func (p *Pool) Keys(ctx context.Context, role Role) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keysLocked(ctx, role)
}

func (p *Pool) keysLocked(ctx context.Context, role Role) ([]string, error) {
	raw, err := p.store.Get(ctx, KeysKey(role))
	if err != nil {
		return nil, err
	}
	keys := ParseKeys(raw)

	if emergency := p.emergency[role]; emergency != "" {
		out := []string{emergency}
		for _, k := range keys {
			if k != emergency {
				out = append(out, k)
			}
		}
		return out, nil
	}

	if len(keys) == 0 && len(p.fallback) > 0 {
		event := p.logger.Debug()
		if !p.warned[role] {
			p.warned[role] = true
			event = p.logger.Warn()
		}
		event.Str("role", string(role)).Msg("No API keys configured, using fallback keys")
		return append([]string(nil), p.fallback...), nil
	}
	return keys, nil
}

func (p *Pool) cursorLocked(ctx context.Context, role Role) (int, error) {
	raw, err := p.store.Get(ctx, IndexKey(role))
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		return 0, nil
	}
	return idx, nil
}

func (p *Pool) saveCursorLocked(ctx context.Context, role Role, idx int) error {
	if err := p.store.Set(ctx, IndexKey(role), strconv.Itoa(idx)); err != nil {
		return err
	}
	observability.SetActiveKey(string(role), idx)
	return nil
}

// Cursor returns the stored rotation index for role
func (p *Pool) Cursor(ctx context.Context, role Role) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursorLocked(ctx, role)
}

// ActiveKey returns the key at the cursor and its index in Keys
func (p *Pool) ActiveKey(ctx context.Context, role Role) (string, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeKeyLocked(ctx, role)
}

func (p *Pool) activeKeyLocked(ctx context.Context, role Role) (string, int, error) {
	keys, err := p.keysLocked(ctx, role)
	if err != nil {
		return "", 0, err
	}
	if len(keys) == 0 {
		return "", 0, fmt.Errorf("%w for %s", ErrNoKeys, role)
	}
	cursor, err := p.cursorLocked(ctx, role)
	if err != nil {
		return "", 0, err
	}
	idx := cursor % len(keys)
	return keys[idx], idx, nil
}

// Client returns the cached client for role's active key, building it on
// first use
func (p *Pool) Client(ctx context.Context, role Role) (llm.Provider, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, idx, err := p.activeKeyLocked(ctx, role)
	if err != nil {
		return nil, 0, err
	}
	if client, ok := p.clients[key]; ok {
		return client, idx, nil
	}

	client, err := p.factory(key)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create client for %s: %w", role, err)
	}
	p.clients[key] = client
	return client, idx, nil
}

// Rotate advances role's cursor. It refuses, returning false, when the
// role has one key or none.
func (p *Pool) Rotate(ctx context.Context, role Role) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys, err := p.keysLocked(ctx, role)
	if err != nil {
		return false, err
	}
	if len(keys) <= 1 {
		p.logger.Warn().
			Str("role", string(role)).
			Msg("Only 1 key available, cannot rotate. Add more keys separated by commas")
		return false, nil
	}

	cursor, err := p.cursorLocked(ctx, role)
	if err != nil {
		return false, err
	}
	current := cursor % len(keys)
	next := (current + 1) % len(keys)
	if err := p.saveCursorLocked(ctx, role, next); err != nil {
		return false, err
	}

	observability.RecordKeyRotation(string(role), next)
	p.logger.Warn().
		Str("role", string(role)).
		Str("old", maskKey(keys[current])).
		Str("new", maskKey(keys[next])).
		Msg("Rotating API key")
	return true, nil
}

// PreferEmergency moves the cursor onto the emergency key, when one is set,
// so the next attempt uses it regardless of earlier rotation
func (p *Pool) PreferEmergency(ctx context.Context, role Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.emergency[role] == "" {
		return nil
	}
	cursor, err := p.cursorLocked(ctx, role)
	if err != nil {
		return err
	}
	if cursor == 0 {
		return nil
	}
	return p.saveCursorLocked(ctx, role, 0)
}

// SetKeys replaces role's configured keys, resets its cursor and drops
// every cached client
func (p *Pool) SetKeys(ctx context.Context, role Role, list string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	normalized := strings.Join(ParseKeys(list), ",")
	if bs, ok := p.store.(batchSetter); ok {
		if err := bs.SetMany(ctx, map[string]string{KeysKey(role): normalized, IndexKey(role): "0"}); err != nil {
			return err
		}
		observability.SetActiveKey(string(role), 0)
	} else {
		if err := p.store.Set(ctx, KeysKey(role), normalized); err != nil {
			return err
		}
		if err := p.saveCursorLocked(ctx, role, 0); err != nil {
			return err
		}
	}

	p.clients = make(map[string]llm.Provider)
	delete(p.warned, role)
	p.logger.Info().Str("role", string(role)).Int("count", len(ParseKeys(list))).Msg("API keys updated")
	return nil
}

// ClearIndex resets role's cursor to 0
func (p *Pool) ClearIndex(ctx context.Context, role Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveCursorLocked(ctx, role, 0)
}

// SetEmergencyKey installs an in-memory override for role. An empty key
// clears it. The cursor moves to the emergency key.
func (p *Pool) SetEmergencyKey(ctx context.Context, role Role, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key = strings.TrimSpace(key)
	if key == "" {
		delete(p.emergency, role)
	} else {
		p.emergency[role] = key
	}
	p.clients = make(map[string]llm.Provider)

	p.logger.Info().Str("role", string(role)).Bool("set", key != "").Msg("Emergency key updated")
	return p.saveCursorLocked(ctx, role, 0)
}

// EmergencyKey returns role's override, if any
func (p *Pool) EmergencyKey(role Role) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emergency[role]
}

// Invalidate drops cached clients after the store changed underneath the pool
func (p *Pool) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = make(map[string]llm.Provider)
}

// CachedClients returns how many clients are cached
func (p *Pool) CachedClients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// RoleStatus is a credential summary safe to display
type RoleStatus struct {
	Role      Role     `json:"role"`
	Keys      []string `json:"keys"`
	Cursor    int      `json:"cursor"`
	Emergency bool     `json:"emergency"`
	Fallback  bool     `json:"fallback"`
}

// Status summarizes every role with keys masked
func (p *Pool) Status(ctx context.Context) ([]RoleStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RoleStatus, 0, len(Roles))
	for _, role := range Roles {
		raw, err := p.store.Get(ctx, KeysKey(role))
		if err != nil {
			return nil, err
		}
		keys, err := p.keysLocked(ctx, role)
		if err != nil {
			return nil, err
		}
		cursor, err := p.cursorLocked(ctx, role)
		if err != nil {
			return nil, err
		}

		masked := make([]string, len(keys))
		for i, k := range keys {
			masked[i] = maskKey(k)
		}
		status := RoleStatus{
			Role:      role,
			Keys:      masked,
			Emergency: p.emergency[role] != "",
			Fallback:  len(ParseKeys(raw)) == 0 && p.emergency[role] == "" && len(keys) > 0,
		}
		if len(keys) > 0 {
			status.Cursor = cursor % len(keys)
		}
		out = append(out, status)
	}
	return out, nil
}

func maskKey(key string) string {
	if len(key) <= 6 {
		return "..." + key
	}
	return "..." + key[len(key)-6:]
}
