package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// CredentialStore is the CRS: it resolves the credential a Model Provider
// should use for a given provider name, persisting and refreshing OAuth
// tokens as needed. It layers on top of ProfileStore (file-backed, 0600,
// rotation-aware) and adds the env-var fallback and refresh serialization
// the spec's CRS contract requires.
type CredentialStore struct {
	mu       sync.Mutex
	profiles *ProfileStore
	stateDir string

	// refreshers holds an oauth2 token-refreshing config per provider,
	// registered by whatever wires up that provider's OAuth app credentials.
	refreshers map[string]oauth2.Config

	// refreshLocks serializes RefreshIfNeeded per provider so concurrent
	// callers don't race to refresh the same token twice.
	refreshLocks map[string]*sync.Mutex

	// legacyEnvVars maps a provider name to an older environment variable
	// name kept for backward compatibility (e.g. a prior single-provider
	// deployment's ANTHROPIC_KEY before the ANTHROPIC_API_KEY rename).
	legacyEnvVars map[string]string
}

// NewCredentialStore opens (or creates) the on-disk profile store rooted at
// stateDir and wraps it as a CRS.
func NewCredentialStore(stateDir string) (*CredentialStore, error) {
	profiles, err := LoadProfileStore(stateDir)
	if err != nil {
		return nil, fmt.Errorf("load credential profiles: %w", err)
	}
	return &CredentialStore{
		profiles:      profiles,
		stateDir:      stateDir,
		refreshers:    make(map[string]oauth2.Config),
		refreshLocks:  make(map[string]*sync.Mutex),
		legacyEnvVars: make(map[string]string),
	}, nil
}

// RegisterOAuthRefresher registers the oauth2.Config used to refresh an
// expired access token for provider.
func (c *CredentialStore) RegisterOAuthRefresher(provider string, cfg oauth2.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshers[strings.ToLower(provider)] = cfg
}

// RegisterLegacyEnvVar maps a provider to a deprecated environment variable
// name, consulted only after the provider's canonical env var is empty.
func (c *CredentialStore) RegisterLegacyEnvVar(provider, envVar string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.legacyEnvVars[strings.ToLower(provider)] = envVar
}

// Resolved is the credential handed back to a Model Provider for a request.
type Resolved struct {
	Provider string
	Type     CredentialType
	// Secret is the API key, bearer token, or access token to present.
	Secret string
	// ProfileID is set when the credential came from the profile store,
	// empty when it came from an environment variable.
	ProfileID string
}

// Resolve returns the credential to use for provider, checking sources in
// priority order: explicit override, stored profile, provider-specific env
// var, legacy env var. An override is typically a per-request or per-agent
// config value that should win over anything persisted.
func (c *CredentialStore) Resolve(ctx context.Context, provider, override string) (*Resolved, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return nil, fmt.Errorf("provider is required")
	}

	if strings.TrimSpace(override) != "" {
		return &Resolved{Provider: provider, Type: CredentialAPIKey, Secret: override}, nil
	}

	if cred, profileID, err := c.profiles.GetCredential(provider); err == nil {
		resolved, err := c.refreshIfNeededLocked(ctx, provider, profileID, cred)
		if err != nil {
			return nil, err
		}
		return resolved, nil
	}

	canonicalVar := strings.ToUpper(provider) + "_API_KEY"
	if v := strings.TrimSpace(os.Getenv(canonicalVar)); v != "" {
		return &Resolved{Provider: provider, Type: CredentialAPIKey, Secret: v}, nil
	}

	c.mu.Lock()
	legacy := c.legacyEnvVars[provider]
	c.mu.Unlock()
	if legacy != "" {
		if v := strings.TrimSpace(os.Getenv(legacy)); v != "" {
			return &Resolved{Provider: provider, Type: CredentialAPIKey, Secret: v}, nil
		}
	}

	return nil, ErrNoProfiles
}

// Store persists (or replaces) the credential for a provider profile and
// writes it to disk with owner-only permissions.
func (c *CredentialStore) Store(profileID string, cred ProfileCredential) error {
	c.profiles.AddProfile(profileID, cred)
	return SaveProfileStore(c.profiles, c.stateDir)
}

// Status summarizes the known profiles for a provider, without exposing any
// credential secret.
type Status struct {
	Provider  string
	ProfileID string
	Type      CredentialType
	LastUsed  time.Time
	FailCount int
	InUse     bool
}

// Status returns the rotation/usage state of every profile for provider, for
// surfacing in a health check or admin command — never the secret itself.
func (c *CredentialStore) Status(provider string) []Status {
	provider = strings.ToLower(strings.TrimSpace(provider))
	ids := c.profiles.ListProfiles(provider)
	lastGood, _, _ := c.profiles.GetCredential(provider)
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		cred, err := c.profiles.GetProfile(id)
		if err != nil {
			continue
		}
		stats := c.profiles.GetStats(id)
		out = append(out, Status{
			Provider:  provider,
			ProfileID: id,
			Type:      cred.Type,
			LastUsed:  secondsToTime(stats.LastUsed),
			FailCount: stats.FailCount,
			InUse:     lastGood != nil && lastGood.Provider == provider && cred.Access == lastGood.Access && cred.Key == lastGood.Key,
		})
	}
	return out
}

func secondsToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// refreshIfNeededLocked checks an OAuth credential's expiry and refreshes it
// through the registered oauth2.Config if it has expired, serialized per
// provider so concurrent resolvers don't both refresh the same token.
func (c *CredentialStore) refreshIfNeededLocked(ctx context.Context, provider, profileID string, cred *ProfileCredential) (*Resolved, error) {
	if cred.Type != CredentialOAuth {
		secret := cred.Key
		if secret == "" {
			secret = cred.Token
		}
		return &Resolved{Provider: provider, Type: cred.Type, Secret: secret, ProfileID: profileID}, nil
	}

	if cred.Expires == 0 || time.Now().Before(time.Unix(cred.Expires, 0).Add(-30*time.Second)) {
		return &Resolved{Provider: provider, Type: cred.Type, Secret: cred.Access, ProfileID: profileID}, nil
	}

	c.mu.Lock()
	lock, ok := c.refreshLocks[provider]
	if !ok {
		lock = &sync.Mutex{}
		c.refreshLocks[provider] = lock
	}
	refresher, hasRefresher := c.refreshers[provider]
	c.mu.Unlock()

	if !hasRefresher {
		// No refresher registered: hand back the (possibly stale) access
		// token and let the caller's own 401 handling trigger re-auth.
		return &Resolved{Provider: provider, Type: cred.Type, Secret: cred.Access, ProfileID: profileID}, nil
	}

	lock.Lock()
	defer lock.Unlock()

	// Re-check after acquiring the lock: another goroutine may have already
	// refreshed while we were waiting.
	fresh, _, err := c.profiles.GetCredential(provider)
	if err == nil && fresh.Expires != 0 && time.Now().Before(time.Unix(fresh.Expires, 0).Add(-30*time.Second)) {
		return &Resolved{Provider: provider, Type: fresh.Type, Secret: fresh.Access, ProfileID: profileID}, nil
	}

	token := &oauth2.Token{
		AccessToken:  cred.Access,
		RefreshToken: cred.Refresh,
		Expiry:       time.Unix(cred.Expires, 0),
	}
	newToken, err := refresher.TokenSource(ctx, token).Token()
	if err != nil {
		c.profiles.MarkFailure(profileID)
		return nil, fmt.Errorf("refresh %s credential: %w", provider, err)
	}

	cred.Access = newToken.AccessToken
	if newToken.RefreshToken != "" {
		cred.Refresh = newToken.RefreshToken
	}
	cred.Expires = newToken.Expiry.Unix()
	if err := c.Store(profileID, *cred); err != nil {
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}
	c.profiles.MarkSuccess(profileID)

	return &Resolved{Provider: provider, Type: cred.Type, Secret: cred.Access, ProfileID: profileID}, nil
}
