package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrNoCredentials = errors.New("no AI provider credentials configured")

const (
	SourceProject = "project"
	SourceSystem  = "system"
	SourceEnv     = "env"

	SystemScope = "system"
)

// KeyLookup reads stored provider keys by scope ("project:<id>" or "system").
// A missing key is "", not an error.
type KeyLookup interface {
	ProviderKey(ctx context.Context, scope string) (string, error)
}

// Credentials are handed to the workflow runner. Source records which level
// of the precedence chain supplied the key.
type Credentials struct {
	APIKey string
	Source string
}

// TenantKey is the concurrency-cap key derived from the resolved API key.
func (c Credentials) TenantKey() string { return TenantKey(c.APIKey) }

// Resolver picks the first non-empty key from project, system, then the
// process environment default.
type Resolver struct {
	keys       KeyLookup
	defaultKey string
}

func NewResolver(keys KeyLookup, defaultKey string) *Resolver {
	return &Resolver{keys: keys, defaultKey: strings.TrimSpace(defaultKey)}
}

func ProjectScope(projectID string) string { return "project:" + projectID }

func (r *Resolver) Resolve(ctx context.Context, projectID string) (Credentials, error) {
	if projectID != "" {
		key, err := r.lookup(ctx, ProjectScope(projectID))
		if err != nil {
			return Credentials{}, err
		}
		if key != "" {
			return Credentials{APIKey: key, Source: SourceProject}, nil
		}
	}
	key, err := r.lookup(ctx, SystemScope)
	if err != nil {
		return Credentials{}, err
	}
	if key != "" {
		return Credentials{APIKey: key, Source: SourceSystem}, nil
	}
	if r.defaultKey != "" {
		return Credentials{APIKey: r.defaultKey, Source: SourceEnv}, nil
	}
	return Credentials{}, ErrNoCredentials
}

func (r *Resolver) lookup(ctx context.Context, scope string) (string, error) {
	if r.keys == nil {
		return "", nil
	}
	key, err := r.keys.ProviderKey(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("lookup %s key: %w", scope, err)
	}
	return strings.TrimSpace(key), nil
}

// TenantKey hashes an API key so the raw secret is never stored or logged.
func TenantKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:16]
}
