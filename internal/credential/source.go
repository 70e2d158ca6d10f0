package credential

import (
	"context"
	"fmt"
	"os"

	"github.com/joshp123/ngenic-bridge/internal/config"
)

// Source supplies the bearer token. The credential is owned and persisted by
// whatever backs the source, never by the coordinator.
type Source interface {
	Load(ctx context.Context) (Credential, error)
}

// StaticSource returns a token given directly in configuration.
type StaticSource struct {
	Token string
}

func (s StaticSource) Load(context.Context) (Credential, error) {
	return New(s.Token)
}

// FileSource reads the token from a file such as a mounted secret.
type FileSource struct {
	Path string
}

func (s FileSource) Load(context.Context) (Credential, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Credential{}, fmt.Errorf("read token file: %w", err)
	}
	cred, err := New(string(data))
	if err != nil {
		return Credential{}, fmt.Errorf("token file %s: %w", s.Path, err)
	}
	return cred, nil
}

// SourceFromConfig picks the configured source. Object storage wins over a
// file, which wins over an inline token.
func SourceFromConfig(cfg config.CredentialConfig) (Source, error) {
	switch {
	case cfg.Blob.Enabled():
		return NewBlobSource(cfg.Blob)
	case cfg.TokenFile != "":
		return FileSource{Path: cfg.TokenFile}, nil
	case cfg.Token != "":
		return StaticSource{Token: cfg.Token}, nil
	default:
		return nil, fmt.Errorf("no credential source configured")
	}
}
