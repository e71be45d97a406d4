// Package credentials resolves secrets an agent container needs at
// launch (API keys, session tokens) without the orchestrator's core
// packages needing to know where they come from.
package credentials

import "context"

// Credential is a single resolved secret value.
type Credential struct {
	Key    string
	Value  string
	Source string
}

// Provider resolves credentials by key from some backing source.
type Provider interface {
	Name() string
	GetCredential(ctx context.Context, key string) (*Credential, error)
	ListAvailable(ctx context.Context) ([]string, error)
}
