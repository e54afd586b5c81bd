package auth_test

import (
	"context"
	"testing"

	"github.com/inquirylabs/inquiry/internal/auth"
)

func TestDisabledAuthorizerAllowsAnonymous(t *testing.T) {
	a := auth.New("")
	if a.Enabled() {
		t.Fatal("Empty spec should leave auth disabled")
	}

	id, err := a.Authenticate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.User != "anonymous" {
		t.Errorf("User = %q, want anonymous", id.User)
	}
	if err := a.Enforce(a.RequiredScopesFor("tools/call"), id.Scopes); err != nil {
		t.Errorf("Anonymous identity should hold all scopes: %v", err)
	}
}

func TestBareKeyGrantsAllScopes(t *testing.T) {
	a := auth.New("secret-1")
	id, err := a.Authenticate(context.Background(), map[string]string{"api_key": "secret-1"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	for _, method := range []string{"tools/call", "resources/list", "resources/subscribe"} {
		if err := a.Enforce(a.RequiredScopesFor(method), id.Scopes); err != nil {
			t.Errorf("Enforce(%s) = %v, want nil", method, err)
		}
	}
}

func TestScopedKey(t *testing.T) {
	a := auth.New("reader=jobs:read, writer=jobs:read;jobs:write")

	reader, err := a.Authenticate(context.Background(), map[string]string{"api_key": "reader"})
	if err != nil {
		t.Fatalf("Authenticate reader: %v", err)
	}
	if err := a.Enforce(a.RequiredScopesFor("resources/subscribe"), reader.Scopes); err != nil {
		t.Errorf("Reader should subscribe: %v", err)
	}
	if err := a.Enforce(a.RequiredScopesFor("tools/call"), reader.Scopes); err == nil {
		t.Error("Reader should not pass tools/call")
	}

	writer, err := a.Authenticate(context.Background(), map[string]string{"api_key": "writer"})
	if err != nil {
		t.Fatalf("Authenticate writer: %v", err)
	}
	if err := a.Enforce(a.RequiredScopesFor("tools/call"), writer.Scopes); err != nil {
		t.Errorf("Writer should pass tools/call: %v", err)
	}
}

func TestBearerHeaderCredential(t *testing.T) {
	a := auth.New("secret-1")
	id, err := a.Authenticate(context.Background(), map[string]string{"authorization": "Bearer secret-1"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.User != "api-key" {
		t.Errorf("User = %q, want api-key", id.User)
	}
}

func TestRejectsUnknownAndMissingKeys(t *testing.T) {
	a := auth.New("secret-1")

	if _, err := a.Authenticate(context.Background(), map[string]string{"api_key": "wrong"}); err == nil {
		t.Error("Unknown key should be rejected")
	}
	if _, err := a.Authenticate(context.Background(), nil); err == nil {
		t.Error("Missing key should be rejected when auth is enabled")
	}
}

func TestUnmappedMethodIsOpen(t *testing.T) {
	a := auth.New("reader=jobs:read")
	if scopes := a.RequiredScopesFor("ping"); len(scopes) != 0 {
		t.Errorf("ping scopes = %v, want none", scopes)
	}
}

func TestAddKeyAtRuntime(t *testing.T) {
	a := auth.New("")
	a.AddKey("late", nil)
	if !a.Enabled() {
		t.Fatal("AddKey should enable auth")
	}
	id, err := a.Authenticate(context.Background(), map[string]string{"api_key": "late"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if err := a.Enforce(a.RequiredScopesFor("tools/call"), id.Scopes); err != nil {
		t.Errorf("Nil scope list should default to all scopes: %v", err)
	}
}
