package data

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hirewire/cvpipeline/internal/core"
	"github.com/hirewire/cvpipeline/internal/domain/model"
	"github.com/hirewire/cvpipeline/internal/testutil"
)

const missingSourceID = "550e8400-e29b-41d4-a716-446655440000"

func TestSourceRepo_Create(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	tests := []struct {
		name    string
		req     *model.CreateSourceRequest
		wantErr bool
		errMsg  string
	}{
		{
			name: "json api source with defaults",
			req: &model.CreateSourceRequest{
				Name:    "board-api",
				Type:    model.SourceTypeJSONAPI,
				BaseURL: "https://api.example.com/candidates",
			},
		},
		{
			name: "html source with proxies and headers",
			req: &model.CreateSourceRequest{
				Name:             "board-html",
				Type:             model.SourceTypeHTML,
				BaseURL:          "https://jobs.example.org/listings",
				RateLimit:        model.RateLimitPolicy{MaxPerMinute: 30},
				Proxies:          []string{"http://proxy-a:8080", "http://proxy-b:8080"},
				ProxyStrategy:    model.StrategyPerformance,
				AllowDirect:      true,
				RequestHeaders:   model.HeaderSet{"User-Agent": "cvpipeline/1.0"},
				Credentials:      []string{"BOARD_API_KEY"},
				RequestTimeoutMS: 15000,
			},
		},
		{
			name: "empty name",
			req: &model.CreateSourceRequest{
				Type:    model.SourceTypeJSONAPI,
				BaseURL: "https://api.example.com",
			},
			wantErr: true,
			errMsg:  "name is required and cannot be empty",
		},
		{
			name: "name too long",
			req: &model.CreateSourceRequest{
				Name:    strings.Repeat("x", 256),
				Type:    model.SourceTypeJSONAPI,
				BaseURL: "https://api.example.com",
			},
			wantErr: true,
			errMsg:  "name cannot exceed 255 characters",
		},
		{
			name: "unknown source type",
			req: &model.CreateSourceRequest{
				Name:    "bad-type",
				Type:    model.SourceType("soap"),
				BaseURL: "https://api.example.com",
			},
			wantErr: true,
			errMsg:  `unknown source type "soap"`,
		},
		{
			name: "missing base url",
			req: &model.CreateSourceRequest{
				Name: "no-url",
				Type: model.SourceTypeFeed,
			},
			wantErr: true,
			errMsg:  "base_url is required and cannot be empty",
		},
		{
			name: "non http scheme",
			req: &model.CreateSourceRequest{
				Name:    "ftp-source",
				Type:    model.SourceTypeFeed,
				BaseURL: "ftp://files.example.com/dump",
			},
			wantErr: true,
			errMsg:  "base_url must use http or https",
		},
		{
			name: "base url without host",
			req: &model.CreateSourceRequest{
				Name:    "hostless",
				Type:    model.SourceTypeJSONAPI,
				BaseURL: "https://",
			},
			wantErr: true,
			errMsg:  "base_url must include a host",
		},
		{
			name: "unknown proxy strategy",
			req: &model.CreateSourceRequest{
				Name:          "bad-strategy",
				Type:          model.SourceTypeJSONAPI,
				BaseURL:       "https://api.example.com",
				ProxyStrategy: model.ProxyStrategy("sticky"),
			},
			wantErr: true,
			errMsg:  `unknown proxy strategy "sticky"`,
		},
		{
			name: "empty proxy entry",
			req: &model.CreateSourceRequest{
				Name:    "blank-proxy",
				Type:    model.SourceTypeJSONAPI,
				BaseURL: "https://api.example.com",
				Proxies: []string{"http://proxy-a:8080", "  "},
			},
			wantErr: true,
			errMsg:  "proxies cannot contain empty entries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.WithAutoDB(t, func(db *sql.DB) {
				repo := NewSourceRepo(db)

				source, err := repo.Create(context.Background(), tt.req)

				if tt.wantErr {
					require.Error(t, err)
					assert.Contains(t, err.Error(), tt.errMsg)
					assert.Nil(t, source)
					return
				}

				require.NoError(t, err)
				require.NotNil(t, source)

				assert.NotEmpty(t, source.ID)
				assert.Equal(t, tt.req.Name, source.Name)
				assert.Equal(t, tt.req.Type, source.Type)
				assert.Equal(t, tt.req.BaseURL, source.BaseURL)
				assert.True(t, source.Active)
				assert.Equal(t, model.SourceStatusOK, source.Status)
				assert.Equal(t, model.HealthHealthy, source.Health)
				assert.False(t, source.CreatedAt.IsZero())
			})
		})
	}
}

func TestSourceRepo_Create_Defaults(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)

		source, err := repo.Create(context.Background(), &model.CreateSourceRequest{
			Name:    "board-api",
			Type:    model.SourceTypeJSONAPI,
			BaseURL: "https://api.example.com/candidates?page=1",
		})
		require.NoError(t, err)

		// Registrable domain, not the full host.
		assert.Equal(t, "example.com", source.Domain)
		assert.Equal(t, model.StrategyRoundRobin, source.ProxyStrategy)
		assert.Equal(t, 30000, source.RequestTimeoutMS)
		assert.False(t, source.AllowDirect)
		assert.Empty(t, source.Proxies)
		assert.Zero(t, source.Stats.TotalRequests)

		// Sanitized rate limit policy.
		rl := source.RateLimit
		assert.Equal(t, 10, rl.MaxPerMinute)
		assert.Equal(t, 600, rl.MaxPerHour)
		assert.Equal(t, 14400, rl.MaxPerDay)
		assert.InDelta(t, 0.1, rl.JitterFraction, 1e-9)
		assert.Equal(t, 10, rl.BurstSize)
		assert.Equal(t, 60, rl.BurstCooldownS)
		assert.Equal(t, model.LimitActionDelay, rl.OnLimit)
	})
}

func TestSourceRepo_Create_ProxyPool(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)

		source, err := repo.Create(context.Background(), &model.CreateSourceRequest{
			Name:    "board-proxied",
			Type:    model.SourceTypeHTML,
			BaseURL: "https://jobs.example.org",
			Proxies: []string{"http://proxy-a:8080", "http://proxy-b:8080"},
		})
		require.NoError(t, err)

		require.Len(t, source.Proxies, 2)
		for _, p := range source.Proxies {
			assert.True(t, p.Active)
			assert.Zero(t, p.SuccessCount)
			assert.Zero(t, p.FailureCount)
			assert.Nil(t, p.CooldownUntil)
		}
	})
}

func TestSourceRepo_Create_DuplicateName(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		req := &model.CreateSourceRequest{
			Name:    "board-api",
			Type:    model.SourceTypeJSONAPI,
			BaseURL: "https://api.example.com/candidates",
		}

		first, err := repo.Create(ctx, req)
		require.NoError(t, err)
		require.NotNil(t, first)

		req.BaseURL = "https://api.other.com/candidates"
		second, err := repo.Create(ctx, req)
		require.Error(t, err)
		assert.Nil(t, second)
		assert.ErrorIs(t, err, ErrSourceNameExists)
	})
}

func TestSourceRepo_GetByID(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		created := createTestSource(t, db, "board-api")

		found, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, created.ID, found.ID)
		assert.Equal(t, created.Name, found.Name)
		assert.Equal(t, created.Domain, found.Domain)
		assert.Equal(t, created.CreatedAt.Unix(), found.CreatedAt.Unix())

		notFound, err := repo.GetByID(ctx, missingSourceID)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Nil(t, notFound)
	})
}

func TestSourceRepo_GetByName(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		created := createTestSource(t, db, "board-api")

		found, err := repo.GetByName(ctx, "board-api")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, created.ID, found.ID)

		notFound, err := repo.GetByName(ctx, "no-such-source")
		require.Error(t, err)
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Nil(t, notFound)
	})
}

func TestSourceRepo_List(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		for _, name := range []string{"board-one", "board-two", "board-three"} {
			createTestSource(t, db, name)
		}

		// Newest first.
		listed, err := repo.List(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		assert.Equal(t, "board-three", listed[0].Name)
		assert.Equal(t, "board-two", listed[1].Name)
		assert.Equal(t, "board-one", listed[2].Name)

		page1, err := repo.List(ctx, 2, 0)
		require.NoError(t, err)
		assert.Len(t, page1, 2)

		page2, err := repo.List(ctx, 2, 2)
		require.NoError(t, err)
		assert.Len(t, page2, 1)

		empty, err := repo.List(ctx, 10, 100)
		require.NoError(t, err)
		assert.Empty(t, empty)

		// Zero limit falls back to the default, negative offset to zero.
		defaultLimit, err := repo.List(ctx, 0, 0)
		require.NoError(t, err)
		assert.Len(t, defaultLimit, 3)

		negativeOffset, err := repo.List(ctx, 10, -5)
		require.NoError(t, err)
		assert.Len(t, negativeOffset, 3)
	})
}

func TestSourceRepo_ListByNameContains(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		for _, name := range []string{"board-east", "board-west", "registry-main"} {
			createTestSource(t, db, name)
		}

		boards, err := repo.ListByNameContains(ctx, "board", 10, 0)
		require.NoError(t, err)
		assert.Len(t, boards, 2)

		// Case-insensitive substring match.
		upper, err := repo.ListByNameContains(ctx, "BOARD", 10, 0)
		require.NoError(t, err)
		assert.Len(t, upper, 2)

		none, err := repo.ListByNameContains(ctx, "missing", 10, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestSourceRepo_ListByIDs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		zed := createTestSource(t, db, "zed-board")
		alpha := createTestSource(t, db, "alpha-board")
		createTestSource(t, db, "unlisted-board")

		// Name order, unknown IDs silently absent.
		got, err := repo.ListByIDs(ctx, []string{zed.ID, alpha.ID, missingSourceID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "alpha-board", got[0].Name)
		assert.Equal(t, "zed-board", got[1].Name)

		empty, err := repo.ListByIDs(ctx, nil)
		require.NoError(t, err)
		assert.Nil(t, empty)
	})
}

func TestSourceRepo_ListActive(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		active := createTestSource(t, db, "active-board")
		parked := createTestSource(t, db, "parked-board")
		erroring := createTestSource(t, db, "erroring-board")

		_, err := repo.Update(ctx, parked.ID, model.UpdateSourceRequest{Active: boolPtr(false)})
		require.NoError(t, err)

		errStatus := model.SourceStatusError
		_, err = repo.Update(ctx, erroring.ID, model.UpdateSourceRequest{Status: &errStatus})
		require.NoError(t, err)

		// Error status stays listed so recorded successes can recover it.
		got, err := repo.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, active.ID, got[0].ID)
		assert.Equal(t, erroring.ID, got[1].ID)
	})
}

func TestSourceRepo_Update(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		created := createTestSource(t, db, "board-api")

		// Name only.
		updated, err := repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Name: stringPtr("board-api-v2"),
		})
		require.NoError(t, err)
		assert.Equal(t, "board-api-v2", updated.Name)
		assert.Equal(t, created.BaseURL, updated.BaseURL)
		assert.Equal(t, created.Domain, updated.Domain)

		// New base URL recomputes the domain.
		updated, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			BaseURL: stringPtr("https://feeds.talentpool.io/candidates"),
		})
		require.NoError(t, err)
		assert.Equal(t, "https://feeds.talentpool.io/candidates", updated.BaseURL)
		assert.Equal(t, "talentpool.io", updated.Domain)

		// Maintenance window.
		maint := model.SourceStatusMaintenance
		until := time.Now().Add(2 * time.Hour).UTC()
		updated, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Status:           &maint,
			MaintenanceUntil: timePtr(until),
		})
		require.NoError(t, err)
		assert.Equal(t, model.SourceStatusMaintenance, updated.Status)
		require.NotNil(t, updated.MaintenanceUntil)
		assert.True(t, updated.InMaintenance(time.Now()))

		// Rate limit updates are sanitized on the way in.
		updated, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			RateLimit: &model.RateLimitPolicy{MaxPerMinute: 120},
		})
		require.NoError(t, err)
		assert.Equal(t, 120, updated.RateLimit.MaxPerMinute)
		assert.Equal(t, 7200, updated.RateLimit.MaxPerHour)

		// Unknown source.
		notFound, err := repo.Update(ctx, missingSourceID, model.UpdateSourceRequest{
			Name: stringPtr("whatever"),
		})
		require.Error(t, err)
		require.ErrorIs(t, err, ErrSourceNotFound)
		assert.Nil(t, notFound)

		// Validation.
		_, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{Name: stringPtr("  ")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "name cannot be empty")

		_, err = repo.Update(ctx, created.ID, model.UpdateSourceRequest{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one field must be updated")
	})
}

func TestSourceRepo_Update_ProxyPoolKeepsCounters(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		created, err := repo.Create(ctx, &model.CreateSourceRequest{
			Name:    "board-proxied",
			Type:    model.SourceTypeJSONAPI,
			BaseURL: "https://api.example.com/candidates",
			Proxies: []string{"http://proxy-a:8080", "http://proxy-b:8080"},
		})
		require.NoError(t, err)

		// Put some history on proxy-a.
		_, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
			SourceID: created.ID,
			ProxyURL: "http://proxy-a:8080",
			Success:  false,
		})
		require.NoError(t, err)

		// Keep proxy-a, drop proxy-b, add proxy-c.
		updated, err := repo.Update(ctx, created.ID, model.UpdateSourceRequest{
			Proxies: []string{"http://proxy-a:8080", "http://proxy-c:8080"},
		})
		require.NoError(t, err)
		require.Len(t, updated.Proxies, 2)

		kept := updated.ProxyByURL("http://proxy-a:8080")
		require.NotNil(t, kept)
		assert.Equal(t, int64(1), kept.FailureCount)
		assert.Equal(t, 1, kept.ConsecutiveFailures)
		assert.True(t, kept.Active)

		fresh := updated.ProxyByURL("http://proxy-c:8080")
		require.NotNil(t, fresh)
		assert.Zero(t, fresh.FailureCount)

		assert.Nil(t, updated.ProxyByURL("http://proxy-b:8080"))
	})
}

func TestSourceRepo_RecordOutcome(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("requires a source id", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			_, err := NewSourceRepo(db).RecordOutcome(context.Background(), core.RecordOutcomeParams{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "source id is required")
		})
	})

	t.Run("unknown source", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			_, err := NewSourceRepo(db).RecordOutcome(context.Background(), core.RecordOutcomeParams{
				SourceID: missingSourceID,
				Success:  true,
			})
			require.ErrorIs(t, err, ErrSourceNotFound)
		})
	})

	t.Run("failure streak demotes then successes recover", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewSourceRepo(db)
			ctx := context.Background()
			src := createTestSource(t, db, "flaky-board")

			fail := func() *core.RecordOutcomeResult {
				res, err := repo.RecordOutcome(ctx, core.RecordOutcomeParams{
					SourceID: src.ID,
					Success:  false,
				})
				require.NoError(t, err)
				return res
			}

			// Default thresholds: degraded at 3 consecutive failures,
			// unhealthy at 5.
			for range 2 {
				res := fail()
				assert.False(t, res.HealthChanged)
				assert.Equal(t, model.HealthHealthy, res.Source.Health)
			}

			res := fail()
			assert.True(t, res.HealthChanged)
			assert.Equal(t, model.HealthDegraded, res.Source.Health)
			assert.Equal(t, model.SourceStatusOK, res.Source.Status)

			res = fail()
			assert.False(t, res.HealthChanged)

			res = fail()
			assert.True(t, res.HealthChanged)
			assert.Equal(t, model.HealthUnhealthy, res.Source.Health)
			assert.Equal(t, model.SourceStatusError, res.Source.Status)
			assert.Equal(t, int64(5), res.Source.Stats.FailureCount)

			succeed := func(ms float64) *core.RecordOutcomeResult {
				r, err := repo.RecordOutcome(ctx, core.RecordOutcomeParams{
					SourceID:   src.ID,
					Success:    true,
					ResponseMS: ms,
				})
				require.NoError(t, err)
				return r
			}

			// Three consecutive successes promote back and lift the error status.
			res = succeed(100)
			assert.False(t, res.HealthChanged)
			res = succeed(200)
			assert.False(t, res.HealthChanged)
			res = succeed(300)
			assert.True(t, res.HealthChanged)
			assert.Equal(t, model.HealthHealthy, res.Source.Health)
			assert.Equal(t, model.SourceStatusOK, res.Source.Status)
			assert.Equal(t, int64(3), res.Source.Stats.SuccessCount)
			assert.InDelta(t, 200, res.Source.Stats.AvgResponseMS, 1e-9)
		})
	})

	t.Run("custom thresholds", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewSourceRepo(db)
			ctx := context.Background()
			src := createTestSource(t, db, "strict-board")

			th := model.HealthThresholds{DemoteAfter: 2, PromoteAfter: 1}

			res, err := repo.RecordOutcome(ctx, core.RecordOutcomeParams{
				SourceID: src.ID, Success: false, Health: th,
			})
			require.NoError(t, err)
			assert.True(t, res.HealthChanged)
			assert.Equal(t, model.HealthDegraded, res.Source.Health)

			res, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
				SourceID: src.ID, Success: false, Health: th,
			})
			require.NoError(t, err)
			assert.True(t, res.HealthChanged)
			assert.Equal(t, model.HealthUnhealthy, res.Source.Health)

			res, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
				SourceID: src.ID, Success: true, Health: th,
			})
			require.NoError(t, err)
			assert.True(t, res.HealthChanged)
			assert.Equal(t, model.HealthHealthy, res.Source.Health)
		})
	})

	t.Run("proxy cooldown", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewSourceRepo(db)
			ctx := context.Background()

			src, err := repo.Create(ctx, &model.CreateSourceRequest{
				Name:    "proxied-board",
				Type:    model.SourceTypeJSONAPI,
				BaseURL: "https://api.example.com/candidates",
				Proxies: []string{"http://proxy-a:8080"},
			})
			require.NoError(t, err)

			params := core.RecordOutcomeParams{
				SourceID:           src.ID,
				ProxyURL:           "http://proxy-a:8080",
				Success:            false,
				ProxyCooldownAfter: 2,
				ProxyCooldown:      5 * time.Minute,
			}

			res, err := repo.RecordOutcome(ctx, params)
			require.NoError(t, err)
			assert.False(t, res.ProxyCooled)

			res, err = repo.RecordOutcome(ctx, params)
			require.NoError(t, err)
			assert.True(t, res.ProxyCooled)

			proxy := res.Source.ProxyByURL("http://proxy-a:8080")
			require.NotNil(t, proxy)
			require.NotNil(t, proxy.CooldownUntil)
			assert.True(t, proxy.InCooldown(time.Now()))
			assert.Equal(t, int64(2), proxy.FailureCount)
			assert.Zero(t, proxy.ConsecutiveFailures, "streak resets when cooldown starts")

			// A success through the proxy clears the cooldown.
			res, err = repo.RecordOutcome(ctx, core.RecordOutcomeParams{
				SourceID:   src.ID,
				ProxyURL:   "http://proxy-a:8080",
				Success:    true,
				ResponseMS: 80,
			})
			require.NoError(t, err)
			proxy = res.Source.ProxyByURL("http://proxy-a:8080")
			require.NotNil(t, proxy)
			assert.Nil(t, proxy.CooldownUntil)
			assert.Equal(t, int64(1), proxy.SuccessCount)
		})
	})
}

func TestSourceRepo_Delete(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		created := createTestSource(t, db, "board-api")

		deleted, err := repo.Delete(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = repo.GetByID(ctx, created.ID)
		require.ErrorIs(t, err, ErrSourceNotFound)

		notDeleted, err := repo.Delete(ctx, missingSourceID)
		require.NoError(t, err)
		assert.False(t, notDeleted)
	})
}

func TestSourceRepo_Delete_SourceInUse(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewSourceRepo(db)
		ctx := context.Background()

		created := createTestSource(t, db, "board-api")

		_, err := db.ExecContext(ctx, `
			INSERT INTO cv_records (source_id, external_id, scraped_at)
			VALUES ($1, 'ext-1', now())
		`, created.ID)
		require.NoError(t, err)

		_, err = repo.Delete(ctx, created.ID)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSourceInUse)
	})
}

func TestSourceRepo_WithTimeProvider(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		mockTime := testutil.TestTime()
		repo := NewSourceRepoWithTimeProvider(db, NewFixedTimeProvider(mockTime))

		created, err := repo.Create(context.Background(), &model.CreateSourceRequest{
			Name:    "frozen-board",
			Type:    model.SourceTypeJSONAPI,
			BaseURL: "https://api.example.com/candidates",
		})
		require.NoError(t, err)
		assert.Equal(t, mockTime.Unix(), created.CreatedAt.Unix())
	})
}
