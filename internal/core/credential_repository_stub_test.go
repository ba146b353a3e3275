package core

import (
	"context"
	"errors"

	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// stubCredentialRepo provides a minimal CredentialRepository implementation for tests.
type stubCredentialRepo struct {
	values map[string]*model.Credential
	err    error
}

func newStubCredentialRepo(values map[string]*model.Credential, err error) *stubCredentialRepo {
	return &stubCredentialRepo{values: values, err: err}
}

func (s *stubCredentialRepo) Create(context.Context, model.CreateCredentialRequest) (*model.Credential, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCredentialRepo) GetByID(context.Context, string) (*model.Credential, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCredentialRepo) GetByName(_ context.Context, name string) (*model.Credential, error) {
	if s.err != nil {
		return nil, s.err
	}
	if cred, ok := s.values[name]; ok {
		return cred, nil
	}
	return nil, errors.New("credential not found")
}

func (s *stubCredentialRepo) List(context.Context, int, int) ([]*model.Credential, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCredentialRepo) Update(context.Context, string, model.UpdateCredentialRequest) (*model.Credential, error) {
	return nil, errors.New("not implemented")
}

func (s *stubCredentialRepo) Delete(context.Context, string) (bool, error) {
	return false, errors.New("not implemented")
}
