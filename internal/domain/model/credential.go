package model

import (
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxCredentialNameLen = 255
)

var credentialNameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

func validateCredentialName(name string) error {
	n := strings.TrimSpace(name)
	if n == "" {
		return errors.New("name is required and cannot be empty")
	}
	if utf8.RuneCountInString(n) > maxCredentialNameLen {
		return errors.New("name cannot exceed 255 characters")
	}
	if !credentialNameRe.MatchString(n) {
		return errors.New(
			"name must start with a letter, digit, or underscore and contain only letters, digits, underscores, or hyphens",
		)
	}
	return nil
}

// Credential is a stored source API credential. Its name is what header
// values reference as __NAME__; Value is decrypted when fetched via repo
// Get* methods.
type Credential struct {
	ID        string    `json:"id"              db:"id"`
	Name      string    `json:"name"            db:"name"`
	Value     string    `json:"value,omitempty" db:"value"`
	CreatedAt time.Time `json:"created_at"      db:"created_at"`
	UpdatedAt time.Time `json:"updated_at"      db:"updated_at"`
}

// CreateCredentialRequest contains fields to create a new credential.
type CreateCredentialRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (r *CreateCredentialRequest) Validate() error {
	if err := validateCredentialName(r.Name); err != nil {
		return err
	}
	if strings.TrimSpace(r.Value) == "" {
		return errors.New("value is required")
	}
	return nil
}

// UpdateCredentialRequest supports updating a credential's name or value.
type UpdateCredentialRequest struct {
	Name  *string `json:"name,omitempty"`
	Value *string `json:"value,omitempty"`
}

func (r *UpdateCredentialRequest) HasUpdates() bool {
	return r.Name != nil || r.Value != nil
}

func (r *UpdateCredentialRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil {
		if err := validateCredentialName(*r.Name); err != nil {
			return err
		}
	}
	if r.Value != nil && strings.TrimSpace(*r.Value) == "" {
		return errors.New("value cannot be empty")
	}
	return nil
}
