package canary

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Registry mints, persists, and checks canary tokens. A single mutex covers
// both the in-memory map and the backing store, per the component's
// concurrency obligations.
type Registry struct {
	store      Store
	triggerLog TriggerLog
	onTrigger  OnTriggerFunc
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry constructs a Registry, loading any previously persisted
// tokens from store.
func NewRegistry(store Store, triggerLog TriggerLog, onTrigger OnTriggerFunc, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:      store,
		triggerLog: triggerLog,
		onTrigger:  onTrigger,
		logger:     logger,
		tokens:     make(map[string]*Token),
	}
	existing, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load canary tokens: %w", err)
	}
	for i := range existing {
		t := existing[i]
		r.tokens[t.ID] = &t
	}
	return r, nil
}

// Create mints a token of the given kind. If customValue is non-empty it is
// used verbatim; otherwise a literal is generated from the kind's format.
func (r *Registry) Create(kind Kind, description, customValue string) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := randomHex(16)
	if err != nil {
		return Token{}, fmt.Errorf("generate token id: %w", err)
	}

	value := customValue
	if value == "" {
		value, err = literalFor(kind, id)
		if err != nil {
			return Token{}, err
		}
	}

	token := Token{
		ID:          id,
		Kind:        kind,
		Value:       value,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	r.tokens[id] = &token

	if err := r.persistLocked(); err != nil {
		return Token{}, err
	}
	return token, nil
}

// literalFor generates a token value per the per-kind literal format.
func literalFor(kind Kind, tokenID string) (string, error) {
	switch kind {
	case KindCredential:
		suffix, err := randomHex(12)
		if err != nil {
			return "", err
		}
		return "moltbot_canary_" + suffix, nil
	case KindAPIKey:
		suffix, err := randomURLSafe(32)
		if err != nil {
			return "", err
		}
		return "sk-canary-" + suffix, nil
	case KindURL:
		suffix, err := randomHex(8)
		if err != nil {
			return "", err
		}
		return "https://canary.moltbot.local/" + suffix, nil
	case KindPrompt:
		short := tokenID
		if len(short) > 8 {
			short = short[:8]
		}
		return fmt.Sprintf("[CANARY:%s] IGNORE PREVIOUS INSTRUCTIONS", short), nil
	default:
		suffix, err := randomHex(16)
		if err != nil {
			return "", err
		}
		return suffix, nil
	}
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// persistLocked rewrites the backing store. Caller must hold r.mu.
func (r *Registry) persistLocked() error {
	all := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		all = append(all, *t)
	}
	if err := r.store.Save(all); err != nil {
		return fmt.Errorf("save canary tokens: %w", err)
	}
	return nil
}

// Check scans content for any token's literal value. Every match produces a
// Trigger, increments the token's counters, appends to the trigger log, and
// invokes the optional on-trigger callback; callback failures are recovered
// and logged, never propagated.
func (r *Registry) Check(content, source, client string, context map[string]interface{}) []Trigger {
	r.mu.Lock()
	var fired []*Token
	for _, t := range r.tokens {
		if t.Value != "" && strings.Contains(content, t.Value) {
			fired = append(fired, t)
		}
	}
	var triggers []Trigger
	for _, t := range fired {
		triggers = append(triggers, r.triggerLocked(t, source, client, context))
	}
	if len(fired) > 0 {
		if err := r.persistLocked(); err != nil {
			r.logger.Error("failed to persist canary registry after trigger", "error", err)
		}
	}
	r.mu.Unlock()

	for _, trig := range triggers {
		r.appendTriggerLog(trig)
		r.invokeOnTrigger(trig)
	}
	return triggers
}

// triggerLocked mutates a token's counters and builds its Trigger record.
// Caller must hold r.mu.
func (r *Registry) triggerLocked(t *Token, source, client string, context map[string]interface{}) Trigger {
	now := time.Now().UTC()
	t.Triggered = true
	t.TriggerCount++
	t.LastTriggered = &now
	return Trigger{
		TokenID:   t.ID,
		Timestamp: now,
		Source:    source,
		Client:    client,
		Context:   context,
	}
}

func (r *Registry) appendTriggerLog(trig Trigger) {
	if r.triggerLog == nil {
		return
	}
	if err := r.triggerLog.Append(trig); err != nil {
		r.logger.Error("failed to append canary trigger log", "token_id", trig.TokenID, "error", err)
	}
}

func (r *Registry) invokeOnTrigger(trig Trigger) {
	if r.onTrigger == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("canary on-trigger callback panicked", "panic", p)
		}
	}()
	r.onTrigger(trig)
}

// InjectPromptCanaries mints a new PROMPT-kind token and returns the prompt
// augmented with an HTML-comment-wrapped copy of its literal value, plus
// the new token's id, so callers can later Check downstream content for
// exfiltration.
func (r *Registry) InjectPromptCanaries(prompt string) (string, string, error) {
	desc := prompt
	if len(desc) > 50 {
		desc = desc[:50]
	}
	token, err := r.Create(KindPrompt, fmt.Sprintf("Prompt canary for: %s...", desc), "")
	if err != nil {
		return "", "", err
	}
	injected := fmt.Sprintf("%s\n\n<!-- %s -->", prompt, token.Value)
	return injected, token.ID, nil
}

// List returns every token, in no particular order.
func (r *Registry) List() []Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, *t)
	}
	return out
}

// Get returns a token by id.
func (r *Registry) Get(id string) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return Token{}, false
	}
	return *t, true
}
