package service

import (
	"context"
	"errors"
	"regexp"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// credentialPlaceholderPattern matches __NAME__ placeholders in header
// values. Credential names are upper snake case by convention.
var credentialPlaceholderPattern = regexp.MustCompile(`__([A-Z][A-Z0-9_]*?)__`)

// CredentialHeaderResolver resolves __NAME__ placeholders in request headers
// from the credential store. Sources keep secrets out of their stored header
// sets; values are pulled fresh per run so rotations apply without source
// edits.
type CredentialHeaderResolver struct {
	repo core.CredentialRepository
}

var _ HeaderResolver = (*CredentialHeaderResolver)(nil)

// NewCredentialHeaderResolver constructs a resolver over the credential repo.
func NewCredentialHeaderResolver(repo core.CredentialRepository) (*CredentialHeaderResolver, error) {
	if repo == nil {
		return nil, errors.New("CredentialRepository is required")
	}
	return &CredentialHeaderResolver{repo: repo}, nil
}

// ResolveHeaders returns a copy of headers with every placeholder replaced.
// Headers without placeholders pass through untouched.
func (r *CredentialHeaderResolver) ResolveHeaders(
	ctx context.Context,
	headers model.HeaderSet,
) (model.HeaderSet, error) {
	names := placeholderNames(headers)
	if len(names) == 0 {
		return headers, nil
	}
	return core.ResolveHeaderCredentials(ctx, r.repo, names, headers)
}

// placeholderNames collects the distinct credential names referenced by a
// header set, in no particular order.
func placeholderNames(headers model.HeaderSet) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, value := range headers {
		for _, match := range credentialPlaceholderPattern.FindAllStringSubmatch(value, -1) {
			name := match[1]
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}
