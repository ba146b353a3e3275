// This file is a documentation template and should not be compiled.
// It uses placeholder types (ExampleService, ExampleRepository, etc.) that don't exist.
// Use this as a reference when creating new services.
//
//go:build ignore

package service

// TEMPLATE.go - Service Layer Pattern Template
//
// This file demonstrates the standard pattern for all services in the service layer.
// Use this as a reference when adding a new service.
//
// KEY PRINCIPLES:
// 1. All services use an Options struct for dependency injection
// 2. Constructors return (*XService, error); a missing required dependency is an error, not a panic
// 3. Services depend on port interfaces from internal/core, never on internal/data types
// 4. Optional dependencies (logger, metrics, time provider) are checked for nil or defaulted in the constructor
// 5. The clock is injected as data.TimeProvider so tests control time without sleeping
// 6. All methods accept context.Context as the first parameter
// 7. Errors are wrapped with operation context: fmt.Errorf("operation: %w", err)
// 8. Sentinel and coded errors come from internal/errors (AppError); services never invent ad-hoc error types
// 9. Business logic and cross-repository orchestration belong here; SQL belongs in internal/data
// 10. Services never import internal/data (except the TimeProvider type), internal/adapters, or internal/bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/data"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 1: Options Struct
// ═══════════════════════════════════════════════════════════════════════════

// ExampleServiceOptions groups dependencies for ExampleService.
//
// RULES:
// - Required dependencies are repository interfaces from internal/core
// - Optional dependencies carry an "Optional:" comment stating the default
// - Tuning values live in a nested config struct when there are more than
//   a couple (see IngestServiceOptions.Defaults for the pattern)
type ExampleServiceOptions struct {
	Repo         core.ExampleRepository // Required: primary repository
	Logger       *slog.Logger           // Optional: structured logger
	TimeProvider data.TimeProvider      // Optional: defaults to real time
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 2: Service Struct (private fields)
// ═══════════════════════════════════════════════════════════════════════════

// ExampleService provides business logic for example domain operations.
//
// RESPONSIBILITIES:
// - CRUD operations with business logic
// - Cross-repository orchestration
// - Business rule enforcement (state machines, budgets, scoring)
//
// DOES NOT:
// - Build SQL (that is internal/data's job)
// - Import internal/adapters or internal/bootstrap (they depend on services,
//   not the other way round)
type ExampleService struct {
	repo         core.ExampleRepository
	logger       *slog.Logger
	timeProvider data.TimeProvider
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 3: Constructor with Validation
// ═══════════════════════════════════════════════════════════════════════════

// NewExampleService constructs an ExampleService.
//
// RULES:
// - Missing required dependencies return an error (callers fail fast at
//   bootstrap instead of panicking mid-request)
// - Optional dependencies get their defaults here, so methods never
//   re-check them
func NewExampleService(opts ExampleServiceOptions) (*ExampleService, error) {
	if opts.Repo == nil {
		return nil, errors.New("example repository is required")
	}

	tp := opts.TimeProvider
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	return &ExampleService{
		repo:         opts.Repo,
		logger:       opts.Logger,
		timeProvider: tp,
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 4: Simple CRUD Operations
// ═══════════════════════════════════════════════════════════════════════════

// Create creates a new example entity.
//
// RULES:
// - Accept context.Context as the first parameter
// - Use request types from internal/domain/model and call their Validate()
// - Wrap errors with operation context: fmt.Errorf("operation: %w", err)
// - Return domain types from internal/domain/model
func (s *ExampleService) Create(
	ctx context.Context,
	req *model.CreateExampleRequest,
) (*model.Example, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("validate request: %w", err)
	}
	req.Normalize()

	example, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create example: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "example created", "id", example.ID, "name", example.Name)
	}

	return example, nil
}

// GetByID retrieves an example entity by ID.
func (s *ExampleService) GetByID(ctx context.Context, id string) (*model.Example, error) {
	example, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get example by id: %w", err)
	}
	return example, nil
}

// List retrieves a paginated list of examples. Pagination is normalized
// here so every caller gets the same bounds.
func (s *ExampleService) List(
	ctx context.Context,
	limit int,
	offset int,
) ([]*model.Example, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.List(ctx, limit, offset)
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 5: Time-Dependent Business Rules
// ═══════════════════════════════════════════════════════════════════════════

// Expire demonstrates why the clock is injected: cutoff math goes through
// s.timeProvider.Now(), so a test pins the clock with data.NewFixedTimeProvider
// and asserts exact boundaries.
func (s *ExampleService) Expire(ctx context.Context, id string) (bool, error) {
	example, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get example by id: %w", err)
	}

	now := s.timeProvider.Now()
	if example.ValidUntil.After(now) {
		return false, nil
	}

	if _, err := s.repo.Update(ctx, id, model.UpdateExampleRequest{Expired: boolPtr(true)}); err != nil {
		return false, fmt.Errorf("expire example: %w", err)
	}
	return true, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 6: Orchestration Across Multiple Repositories
// ═══════════════════════════════════════════════════════════════════════════

// CreateWithSchedule demonstrates orchestration: coordinating multiple
// repositories is where the service layer earns its keep. When the steps
// must be atomic, push the transaction into a repository method instead of
// spreading tx handling across services.
func (s *ExampleService) CreateWithSchedule(
	ctx context.Context,
	req *model.CreateExampleRequest,
	schedule core.ScheduledJobsAdminRepository,
) (*model.Example, error) {
	example, err := s.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if _, err := schedule.Create(ctx, model.CreateScheduledJobRequest{
		TaskName: "refresh-" + example.Name,
		JobType:  model.JobTypeRescore,
	}); err != nil {
		return nil, fmt.Errorf("create refresh schedule: %w", err)
	}

	return example, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// PATTERN 7: Optional Repository Extensions (Type Assertions)
// ═══════════════════════════════════════════════════════════════════════════

type exampleRepositoryWithSearch interface {
	SearchByName(ctx context.Context, query string, limit int) ([]*model.Example, error)
}

// SearchByName uses the search extension when the repository provides it
// and degrades to a plain list when it does not.
func (s *ExampleService) SearchByName(
	ctx context.Context,
	query string,
	limit int,
) ([]*model.Example, error) {
	if repo, ok := any(s.repo).(exampleRepositoryWithSearch); ok {
		return repo.SearchByName(ctx, query, limit)
	}

	if s.logger != nil {
		s.logger.Debug("repository does not support search, falling back to list")
	}
	return s.repo.List(ctx, limit, 0)
}

func boolPtr(b bool) *bool { return &b }

// ═══════════════════════════════════════════════════════════════════════════
// NOTES FOR NEW SERVICES
// ═══════════════════════════════════════════════════════════════════════════
//
// Checklist when adding a service:
//
// 1. Define the port interface in internal/core/interfaces.go first
// 2. Write the service against that interface with the Options pattern
// 3. Default TimeProvider and check Logger for nil in the constructor
// 4. Wire the service in internal/bootstrap/services.go
// 5. Unit-test with hand-written stubs (see TEMPLATE_test.go); no mock codegen
// 6. Integration-test the repository side under internal/data with testutil.WithAutoDB
//
// Common pitfalls:
// - Panicking on nil dependencies instead of returning an error
// - Calling time.Now() directly instead of s.timeProvider.Now()
// - Not wrapping repository errors with the operation name
// - Leaking *pgconn.PgError to callers instead of mapping to sentinel or
//   AppError values in the repository
