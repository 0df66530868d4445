package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCredentialStore_ResolveOverrideWinsOverStored(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(dir)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	if err := store.Store("anthropic-default", ProfileCredential{Type: CredentialAPIKey, Provider: "anthropic", Key: "stored-key"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	resolved, err := store.Resolve(context.Background(), "anthropic", "override-key")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Secret != "override-key" {
		t.Fatalf("expected override to win, got %q", resolved.Secret)
	}
}

func TestCredentialStore_ResolveFallsBackToStoredProfile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(dir)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	if err := store.Store("anthropic-default", ProfileCredential{Type: CredentialAPIKey, Provider: "anthropic", Key: "stored-key"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	resolved, err := store.Resolve(context.Background(), "anthropic", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Secret != "stored-key" {
		t.Fatalf("expected stored profile key, got %q", resolved.Secret)
	}
}

func TestCredentialStore_ResolveFallsBackToEnvVar(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(dir)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	t.Setenv("OPENAI_API_KEY", "env-key")

	resolved, err := store.Resolve(context.Background(), "openai", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Secret != "env-key" {
		t.Fatalf("expected env var fallback, got %q", resolved.Secret)
	}
}

func TestCredentialStore_ResolveFallsBackToLegacyEnvVar(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(dir)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	store.RegisterLegacyEnvVar("openai", "OPENAI_KEY_LEGACY")
	t.Setenv("OPENAI_KEY_LEGACY", "legacy-key")

	resolved, err := store.Resolve(context.Background(), "openai", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Secret != "legacy-key" {
		t.Fatalf("expected legacy env var fallback, got %q", resolved.Secret)
	}
}

func TestCredentialStore_StorePersistsWithOwnerOnlyPermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(dir)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	if err := store.Store("anthropic-default", ProfileCredential{Type: CredentialAPIKey, Provider: "anthropic", Key: "k"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, profilesFilename))
	if err != nil {
		t.Fatalf("stat profile file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
}

func TestCredentialStore_StatusNeverExposesSecret(t *testing.T) {
	dir := t.TempDir()
	store, err := NewCredentialStore(dir)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	if err := store.Store("anthropic-default", ProfileCredential{Type: CredentialAPIKey, Provider: "anthropic", Key: "k"}); err != nil {
		t.Fatalf("store: %v", err)
	}

	statuses := store.Status("anthropic")
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(statuses))
	}
	if statuses[0].ProfileID != "anthropic-default" {
		t.Fatalf("unexpected profile id: %+v", statuses[0])
	}
}
