package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// ResolveCredentialPlaceholders fetches the provided credential names and
// replaces their __NAME__ placeholders within content. If repo is nil,
// credentialNames is empty, or content lacks placeholders, the original
// content is returned unchanged.
func ResolveCredentialPlaceholders(
	ctx context.Context,
	repo CredentialRepository,
	credentialNames []string,
	content string,
) (string, error) {
	if len(credentialNames) == 0 || strings.TrimSpace(content) == "" {
		return content, nil
	}
	if repo == nil {
		return "", errors.New("credential repository not configured")
	}

	seen := make(map[string]struct{}, len(credentialNames))
	resolved := content

	for _, name := range credentialNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		placeholder := "__" + name + "__"
		if !strings.Contains(resolved, placeholder) {
			continue
		}

		cred, err := repo.GetByName(ctx, name)
		if err != nil {
			return "", fmt.Errorf("resolve credential %q: %w", name, err)
		}
		resolved = strings.ReplaceAll(resolved, placeholder, cred.Value)
	}

	return resolved, nil
}

// ResolveHeaderCredentials returns a copy of headers with every __NAME__
// placeholder replaced, leaving the source's stored headers untouched. A nil
// header set resolves to nil.
func ResolveHeaderCredentials(
	ctx context.Context,
	repo CredentialRepository,
	credentialNames []string,
	headers model.HeaderSet,
) (model.HeaderSet, error) {
	if headers == nil {
		return nil, nil
	}
	resolved := make(model.HeaderSet, len(headers))
	for name, value := range headers {
		v, err := ResolveCredentialPlaceholders(ctx, repo, credentialNames, value)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", name, err)
		}
		resolved[name] = v
	}
	return resolved, nil
}
