package guard

import (
	"crypto/subtle"
	"sync"
	"time"
)

// csrfTokenLength is the CSRF token entropy in bytes before hex encoding
const csrfTokenLength = 32

type csrfToken struct {
	value    string
	issuedAt time.Time
}

// CSRFGuard issues and validates anti-forgery tokens bound to a client
// context. Each context holds at most one active token; issuing a new
// token overwrites the previous one. Tokens are multi-use within their
// TTL rather than single-use - a deliberate usability trade-off so that
// multiple open tabs sharing one context keep working.
type CSRFGuard struct {
	mu     sync.RWMutex
	tokens map[string]csrfToken
	ttl    time.Duration
}

// NewCSRFGuard creates a new CSRF guard with the given token lifetime
func NewCSRFGuard(ttl time.Duration) *CSRFGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CSRFGuard{
		tokens: make(map[string]csrfToken),
		ttl:    ttl,
	}
}

// Issue generates a fresh token for the client context, replacing any
// prior token for that context
func (g *CSRFGuard) Issue(contextID string) (string, error) {
	token, err := generateRandomToken(csrfTokenLength)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.tokens[contextID] = csrfToken{value: token, issuedAt: time.Now()}
	g.mu.Unlock()

	return token, nil
}

// Validate reports whether the presented token matches the one stored for
// the client context and is still within its TTL. The comparison is
// constant-time.
func (g *CSRFGuard) Validate(contextID, presented string) bool {
	if contextID == "" || presented == "" {
		return false
	}

	g.mu.RLock()
	stored, ok := g.tokens[contextID]
	g.mu.RUnlock()

	if !ok {
		return false
	}
	if time.Since(stored.issuedAt) > g.ttl {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(stored.value), []byte(presented)) == 1
}

// Revoke drops the token stored for a client context
func (g *CSRFGuard) Revoke(contextID string) {
	g.mu.Lock()
	delete(g.tokens, contextID)
	g.mu.Unlock()
}

// Cleanup removes expired tokens to prevent unbounded growth
func (g *CSRFGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for contextID, token := range g.tokens {
		if now.Sub(token.issuedAt) > g.ttl {
			delete(g.tokens, contextID)
		}
	}
}
