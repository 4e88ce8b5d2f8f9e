package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
)

// Manager tracks pending approvals, drives the out-of-band channel, and
// applies expiry. Create, Decide and the expiry poller all mutate the
// pending map; a mutex guards it, so multiple request-handling workers may
// call into the Manager concurrently.
type Manager struct {
	channel     Channel
	onDecision  OnDecisionFunc
	deciderHash string // argon2id hash of the admin decider token; empty disables the check
	pollEvery   time.Duration
	timeout     time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithDeciderHash requires approval_response messages to carry a token
// hashing to this argon2id digest. Supplemental to the source: the
// original trusts whoever can click the button in the admin chat.
func WithDeciderHash(hash string) Option {
	return func(m *Manager) { m.deciderHash = hash }
}

// WithPollInterval overrides the default expiry-scan cadence.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollEvery = d }
}

// WithTimeout overrides the default pending-approval expiry window (Timeout).
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager constructs a Manager. channel and onDecision must be non-nil.
func NewManager(channel Channel, onDecision OnDecisionFunc, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		channel:    channel,
		onDecision: onDecision,
		pollEvery:  5 * time.Second,
		timeout:    Timeout,
		logger:     logger,
		pending:    make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new pending approval under id (allocated by the
// request server in the form approval_<yyyymmddHHMMSS>_<action>) and posts
// it to the out-of-band channel. The channel call happens outside the
// manager's lock.
func (m *Manager) Create(id, action string, params map[string]interface{}, requester string) (Pending, error) {
	now := time.Now().UTC()
	p := &Pending{
		ID:        id,
		Action:    action,
		Params:    params,
		Requester: requester,
		CreatedAt: now,
		ExpiresAt: now.Add(m.timeout),
		Status:    StatusPending,
	}

	corr, err := m.channel.Post(Message{
		ApprovalID: id,
		Action:     action,
		Params:     params,
		Requester:  requester,
		CreatedAt:  now,
		ExpiresAt:  p.ExpiresAt,
	})
	if err != nil {
		return Pending{}, fmt.Errorf("post approval message: %w", err)
	}
	if corr.MessageID == "" {
		corr.MessageID = uuid.NewString()
	}
	p.ChatID = corr.ChatID
	p.MessageID = corr.MessageID

	m.mu.Lock()
	m.pending[id] = p
	m.mu.Unlock()

	return *p, nil
}

// Get returns a copy of the pending approval for id.
func (m *Manager) Get(id string) (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Count returns the number of currently pending approvals.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// VerifyDeciderToken checks token against the configured argon2id digest.
// When no digest is configured, every token (including empty) is accepted.
func (m *Manager) VerifyDeciderToken(token string) bool {
	if m.deciderHash == "" {
		return true
	}
	match, err := argon2id.ComparePasswordAndHash(token, m.deciderHash)
	if err != nil {
		m.logger.Error("decider token comparison failed", "error", err)
		return false
	}
	return match
}

// Decide resolves a pending approval by explicit human decision (approved
// or rejected, via approval_response or a chat-button callback). Removes
// the entry, edits the out-of-band message, and invokes onDecision outside
// the lock.
func (m *Manager) Decide(id string, approved bool, decidedBy string) error {
	m.mu.Lock()
	p, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("approval %q not found", id)
	}
	delete(m.pending, id)
	m.mu.Unlock()

	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	decidedAt := time.Now().UTC()
	p.Status = status
	p.DecidedBy = decidedBy
	p.DecidedAt = &decidedAt

	if err := m.channel.UpdateTerminal(Correlation{ChatID: p.ChatID, MessageID: p.MessageID}, status, decidedBy); err != nil {
		m.logger.Warn("failed to update out-of-band message", "approval_id", id, "error", err)
	}

	m.onDecision(id, approved)
	return nil
}

// Run scans for expired approvals every poll interval until ctx is
// cancelled. Intended to run in its own goroutine, started once at boot.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expireOverdue()
		}
	}
}

// expireOverdue transitions any approval past its expiry deadline to
// EXPIRED and invokes onDecision(id, false) for each.
func (m *Manager) expireOverdue() {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*Pending
	for id, p := range m.pending {
		if now.After(p.ExpiresAt) {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	m.mu.Unlock()

	for _, p := range expired {
		p.Status = StatusExpired
		if err := m.channel.UpdateTerminal(Correlation{ChatID: p.ChatID, MessageID: p.MessageID}, StatusExpired, ""); err != nil {
			m.logger.Warn("failed to update expired approval message", "approval_id", p.ID, "error", err)
		}
		m.onDecision(p.ID, false)
	}
}

// deciderTokenParams meet the OWASP Argon2id minimums (46 MiB, 1
// iteration, 1 degree of parallelism), with memory set to 47 MiB.
var deciderTokenParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashDeciderToken is a small operator helper (exposed via the hash-key CLI
// command) producing the argon2id digest WithDeciderHash expects.
func HashDeciderToken(token string) (string, error) {
	return argon2id.CreateHash(token, deciderTokenParams)
}
