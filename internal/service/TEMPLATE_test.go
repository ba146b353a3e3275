// This file is a documentation template and should not be compiled.
// It tests placeholder types from TEMPLATE.go that don't exist.
// Use this as a reference when writing service unit tests.
//
//go:build ignore

package service

// TEMPLATE_test.go - Service Unit Test Pattern Template
//
// This file demonstrates the standard pattern for service-layer unit tests.
//
// KEY PRINCIPLES:
// 1. Services are tested against hand-written stubs, not generated mocks
// 2. A stub is a struct of optional fn fields; each interface method
//    delegates to its fn when set and returns zero values otherwise
// 3. A compile-time assertion pins the stub to the port interface, so
//    interface drift fails the build instead of silently passing tests
// 4. Time is pinned with data.NewFixedTimeProvider; tests never sleep
// 5. Assertions use testify: require for preconditions that make the rest
//    of the test meaningless, assert for everything else
// 6. These tests cover business logic only; SQL-level behavior is covered
//    by integration tests under internal/data using testutil.WithAutoDB

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 1: Hand-Written Stub
// ═══════════════════════════════════════════════════════════════════════════

// RULES:
// - One stub per repository interface, shared by every test in the package
//   (declare it once; Go test files in a package see each other's types)
// - fn fields mirror the interface methods: createFn, getByIDFn, listFn...
// - Unset fn fields return zero values, so each test only wires the calls
//   it cares about
// - Record call arguments in a slice field when a test needs to assert on
//   how the service drove the repository (see stubSourceRepo.outcomes)
type stubExampleRepo struct {
	createFn  func(ctx context.Context, req *model.CreateExampleRequest) (*model.Example, error)
	getByIDFn func(ctx context.Context, id string) (*model.Example, error)
	listFn    func(ctx context.Context, limit, offset int) ([]*model.Example, error)
	updateFn  func(ctx context.Context, id string, req model.UpdateExampleRequest) (*model.Example, error)

	updates []model.UpdateExampleRequest
}

// Compile-time check: the stub must track the port interface.
var _ core.ExampleRepository = (*stubExampleRepo)(nil)

func (s *stubExampleRepo) Create(ctx context.Context, req *model.CreateExampleRequest) (*model.Example, error) {
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return nil, nil
}

func (s *stubExampleRepo) GetByID(ctx context.Context, id string) (*model.Example, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, nil
}

func (s *stubExampleRepo) List(ctx context.Context, limit, offset int) ([]*model.Example, error) {
	if s.listFn != nil {
		return s.listFn(ctx, limit, offset)
	}
	return nil, nil
}

func (s *stubExampleRepo) Update(ctx context.Context, id string, req model.UpdateExampleRequest) (*model.Example, error) {
	s.updates = append(s.updates, req)
	if s.updateFn != nil {
		return s.updateFn(ctx, id, req)
	}
	return &model.Example{ID: id}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 2: Service Helper with Pinned Clock
// ═══════════════════════════════════════════════════════════════════════════

// One helper per service keeps constructor churn out of the tests. Take the
// stub and a time; return the wired service.
func newTestExampleService(t *testing.T, repo core.ExampleRepository, now time.Time) *ExampleService {
	t.Helper()
	svc, err := NewExampleService(ExampleServiceOptions{
		Repo:         repo,
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)
	return svc
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 3: Constructor Validation
// ═══════════════════════════════════════════════════════════════════════════

// Every service gets a constructor test: the success path plus one subtest
// per required dependency.
func TestNewExampleService(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		svc, err := NewExampleService(ExampleServiceOptions{Repo: &stubExampleRepo{}})
		require.NoError(t, err)
		assert.NotNil(t, svc)
	})

	t.Run("missing repo", func(t *testing.T) {
		svc, err := NewExampleService(ExampleServiceOptions{})
		require.Error(t, err)
		assert.Nil(t, svc)
		assert.Contains(t, err.Error(), "repository is required")
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 4: Success and Error Paths via fn Fields
// ═══════════════════════════════════════════════════════════════════════════

func TestExampleService_Create(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("creates and returns the entity", func(t *testing.T) {
		repo := &stubExampleRepo{
			createFn: func(_ context.Context, req *model.CreateExampleRequest) (*model.Example, error) {
				return &model.Example{ID: "ex-1", Name: req.Name}, nil
			},
		}
		svc := newTestExampleService(t, repo, now)

		got, err := svc.Create(context.Background(), &model.CreateExampleRequest{Name: "widget"})
		require.NoError(t, err)
		assert.Equal(t, "ex-1", got.ID)
		assert.Equal(t, "widget", got.Name)
	})

	t.Run("propagates repository errors with context", func(t *testing.T) {
		repoErr := errors.New("connection refused")
		repo := &stubExampleRepo{
			createFn: func(_ context.Context, _ *model.CreateExampleRequest) (*model.Example, error) {
				return nil, repoErr
			},
		}
		svc := newTestExampleService(t, repo, now)

		got, err := svc.Create(context.Background(), &model.CreateExampleRequest{Name: "widget"})
		require.Error(t, err)
		assert.Nil(t, got)
		// Services wrap with %w, so callers can still match the cause.
		assert.ErrorIs(t, err, repoErr)
		assert.Contains(t, err.Error(), "create example")
	})

	t.Run("rejects an invalid request before hitting the repo", func(t *testing.T) {
		called := false
		repo := &stubExampleRepo{
			createFn: func(_ context.Context, _ *model.CreateExampleRequest) (*model.Example, error) {
				called = true
				return nil, nil
			},
		}
		svc := newTestExampleService(t, repo, now)

		_, err := svc.Create(context.Background(), &model.CreateExampleRequest{})
		require.Error(t, err)
		assert.False(t, called)
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 5: Time-Dependent Logic
// ═══════════════════════════════════════════════════════════════════════════

// The pinned clock makes boundary tests exact: one subtest just before the
// cutoff, one just after. For multi-step flows, advance with tp.AddTime
// between calls instead of constructing a second service.
func TestExampleService_Expire(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("not yet expired", func(t *testing.T) {
		repo := &stubExampleRepo{
			getByIDFn: func(_ context.Context, id string) (*model.Example, error) {
				return &model.Example{ID: id, ValidUntil: now.Add(time.Second)}, nil
			},
		}
		svc := newTestExampleService(t, repo, now)

		expired, err := svc.Expire(context.Background(), "ex-1")
		require.NoError(t, err)
		assert.False(t, expired)
		assert.Empty(t, repo.updates)
	})

	t.Run("past the cutoff", func(t *testing.T) {
		repo := &stubExampleRepo{
			getByIDFn: func(_ context.Context, id string) (*model.Example, error) {
				return &model.Example{ID: id, ValidUntil: now.Add(-time.Second)}, nil
			},
		}
		svc := newTestExampleService(t, repo, now)

		expired, err := svc.Expire(context.Background(), "ex-1")
		require.NoError(t, err)
		assert.True(t, expired)
		require.Len(t, repo.updates, 1)
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// NOTES FOR NEW SERVICE TESTS
// ═══════════════════════════════════════════════════════════════════════════
//
// Checklist:
//
// 1. Reuse the package's existing stub for an interface before writing a
//    second one; extend it with new fn fields as the interface grows
// 2. Pin the clock in every test that touches time, even indirectly
// 3. Name subtests after behavior ("past the cutoff"), not after methods
// 4. Assert wrapped causes with assert.ErrorIs, codes with apperrors.GetCode
// 5. Anything that needs real SQL behavior (constraint conflicts, SKIP
//    LOCKED, advisory locks) belongs in internal/data integration tests,
//    not here
//
// Common pitfalls:
// - Sleeping to "wait" for time-based behavior instead of using the
//   fixed provider
// - Asserting exact error strings instead of causes or codes; wording
//   changes should not break tests
// - Driving unexported service internals directly; go through the public
//   methods so the test survives refactors
