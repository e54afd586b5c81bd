// Package auth provides the API-key authorizer.
//
// Keys are configured via the INQUIRY_API_KEYS environment variable as a
// comma-separated list. Each entry is either a bare key, which grants all
// scopes, or key=scope1;scope2 to grant a subset. With no keys configured
// auth is disabled and every caller is anonymous with full access.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/inquirylabs/inquiry/pkg/contracts"
)

const (
	ScopeJobsRead  = "jobs:read"
	ScopeJobsWrite = "jobs:write"
)

var allScopes = []string{ScopeJobsRead, ScopeJobsWrite}

// methodScopes maps protocol methods to the scope they demand. Methods
// absent from the map are open.
var methodScopes = map[string][]string{
	"tools/call":          {ScopeJobsWrite},
	"resources/list":      {ScopeJobsRead},
	"resources/subscribe": {ScopeJobsRead},
}

// APIKeyAuthorizer implements contracts.Authorizer over a static key set.
type APIKeyAuthorizer struct {
	mu      sync.RWMutex
	keys    map[string][]string // key -> granted scopes
	enabled bool
}

// NewFromEnv builds the authorizer from INQUIRY_API_KEYS.
func NewFromEnv() *APIKeyAuthorizer {
	return New(os.Getenv("INQUIRY_API_KEYS"))
}

// New parses a comma-separated key spec.
func New(spec string) *APIKeyAuthorizer {
	a := &APIKeyAuthorizer{keys: make(map[string][]string)}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key := entry
		scopes := allScopes
		if i := strings.IndexByte(entry, '='); i >= 0 {
			key = entry[:i]
			scopes = nil
			for _, s := range strings.Split(entry[i+1:], ";") {
				if s = strings.TrimSpace(s); s != "" {
					scopes = append(scopes, s)
				}
			}
		}
		if key != "" {
			a.keys[key] = scopes
			a.enabled = true
		}
	}
	return a
}

// Enabled reports whether any keys are configured.
func (a *APIKeyAuthorizer) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// AddKey registers a key at runtime.
func (a *APIKeyAuthorizer) AddKey(key string, scopes []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(scopes) == 0 {
		scopes = allScopes
	}
	a.keys[key] = scopes
	a.enabled = true
}

// Authenticate resolves the caller from transport credentials. The api_key
// entry or a bearer Authorization header carries the key.
func (a *APIKeyAuthorizer) Authenticate(_ context.Context, credentials map[string]string) (*contracts.Identity, error) {
	if !a.Enabled() {
		return &contracts.Identity{User: "anonymous", Scopes: allScopes}, nil
	}

	candidate := credentials["api_key"]
	if candidate == "" {
		if v := credentials["authorization"]; strings.HasPrefix(v, "Bearer ") {
			candidate = strings.TrimPrefix(v, "Bearer ")
		}
	}
	if candidate == "" {
		return nil, fmt.Errorf("api key required")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	for key, scopes := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return &contracts.Identity{User: "api-key", Scopes: scopes}, nil
		}
	}
	return nil, fmt.Errorf("invalid api key")
}

func (a *APIKeyAuthorizer) RequiredScopesFor(method string) []string {
	return methodScopes[method]
}

// Enforce checks that every required scope was granted.
func (a *APIKeyAuthorizer) Enforce(required, granted []string) error {
	for _, need := range required {
		found := false
		for _, have := range granted {
			if need == have {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("missing scope %q", need)
		}
	}
	return nil
}
