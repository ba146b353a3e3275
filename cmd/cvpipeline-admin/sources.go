package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hirewire/cvpipeline/internal/domain/model"
)

func sourceCommands() []command {
	return []command{
		{
			name:        "create-source",
			description: "Register a scrape source with rate limits, proxies, and selectors",
			run:         runCreateSource,
		},
		{
			name:        "list-sources",
			description: "List sources with status, health, and success rate",
			run:         runListSources,
		},
		{
			name:        "show-source",
			description: "Show one source with its proxy pool and request counters",
			run:         runShowSource,
		},
		{
			name:        "update-source",
			description: "Update source fields; only provided flags change",
			run:         runUpdateSource,
		},
		{
			name:        "delete-source",
			description: "Delete a source that no longer has dependent jobs",
			run:         runDeleteSource,
		},
		{
			name:        "resume-source",
			description: "Clear a source's error status after the upstream recovers",
			run:         runResumeSource,
		},
	}
}

type createSourceOptions struct {
	Name          string
	Type          string
	BaseURL       string
	MaxPerMinute  int
	MaxPerHour    int
	MaxPerDay     int
	MinDelayMS    int
	BurstSize     int
	Proxies       string
	ProxyStrategy string
	AllowDirect   bool
	Selectors     string
	Headers       string
	Credentials   string
	TimeoutMS     int
}

func parseCreateSourceFlags(args []string) (createSourceOptions, error) {
	fs := flag.NewFlagSet("create-source", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts createSourceOptions
	fs.StringVar(&opts.Name, "name", "", "Source name (required, unique)")
	fs.StringVar(&opts.Type, "type", string(model.SourceTypeJSONAPI), "Source type: json_api, html, or feed")
	fs.StringVar(&opts.BaseURL, "base-url", "", "Base URL scraped for listings (required)")
	fs.IntVar(&opts.MaxPerMinute, "max-per-minute", 0, "Request budget per minute (0 uses the default)")
	fs.IntVar(&opts.MaxPerHour, "max-per-hour", 0, "Request budget per hour (0 uses the default)")
	fs.IntVar(&opts.MaxPerDay, "max-per-day", 0, "Request budget per day (0 uses the default)")
	fs.IntVar(&opts.MinDelayMS, "min-delay-ms", 0, "Minimum delay between requests in milliseconds")
	fs.IntVar(&opts.BurstSize, "burst-size", 0, "Burst allowance before cooldown (0 uses the default)")
	fs.StringVar(&opts.Proxies, "proxies", "", "Comma-separated proxy URLs")
	fs.StringVar(&opts.ProxyStrategy, "proxy-strategy", "", "Proxy rotation: round_robin, random, least_used, or performance")
	fs.BoolVar(&opts.AllowDirect, "allow-direct", false, "Permit direct requests when every proxy is cooling down")
	fs.StringVar(&opts.Selectors, "selectors", "", "JSON object mapping canonical fields to extraction selectors")
	fs.StringVar(&opts.Headers, "headers", "", "JSON object of request headers; values may hold __NAME__ credential placeholders")
	fs.StringVar(&opts.Credentials, "credentials", "", "Comma-separated credential names referenced by headers")
	fs.IntVar(&opts.TimeoutMS, "timeout-ms", 0, "Per-request timeout in milliseconds (0 uses the default)")

	if err := fs.Parse(args); err != nil {
		return createSourceOptions{}, err
	}
	return opts, nil
}

func (o createSourceOptions) toRequest() (*model.CreateSourceRequest, error) {
	req := &model.CreateSourceRequest{
		Name:    strings.TrimSpace(o.Name),
		Type:    model.SourceType(strings.ToLower(strings.TrimSpace(o.Type))),
		BaseURL: strings.TrimSpace(o.BaseURL),
		RateLimit: model.RateLimitPolicy{
			MaxPerMinute: o.MaxPerMinute,
			MaxPerHour:   o.MaxPerHour,
			MaxPerDay:    o.MaxPerDay,
			MinDelayMS:   o.MinDelayMS,
			BurstSize:    o.BurstSize,
		},
		Proxies:          splitCommaList(o.Proxies),
		ProxyStrategy:    model.ProxyStrategy(strings.ToLower(strings.TrimSpace(o.ProxyStrategy))),
		AllowDirect:      o.AllowDirect,
		Credentials:      splitCommaList(o.Credentials),
		RequestTimeoutMS: o.TimeoutMS,
	}
	if o.Selectors != "" {
		if err := json.Unmarshal([]byte(o.Selectors), &req.Selectors); err != nil {
			return nil, fmt.Errorf("parse --selectors: %w", err)
		}
	}
	if o.Headers != "" {
		if err := json.Unmarshal([]byte(o.Headers), &req.RequestHeaders); err != nil {
			return nil, fmt.Errorf("parse --headers: %w", err)
		}
	}
	return req, nil
}

func runCreateSource(cmdCtx *commandContext, args []string) error {
	opts, err := parseCreateSourceFlags(args)
	if err != nil {
		return err
	}
	req, err := opts.toRequest()
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		src, createErr := s.Services.Sources.Create(ctx, req)
		if createErr != nil {
			return fmt.Errorf("create source: %w", createErr)
		}
		if err := writef(os.Stdout, "Created source %s (%s)\n", src.ID, src.Name); err != nil {
			return fmt.Errorf("print created source: %w", err)
		}
		return nil
	})
}

type listSourcesOptions struct {
	Query  string
	Limit  int
	Offset int
}

func parseListSourcesFlags(args []string) (listSourcesOptions, error) {
	fs := flag.NewFlagSet("list-sources", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listSourcesOptions
	fs.StringVar(&opts.Query, "query", "", "Filter by name substring (case-insensitive)")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum sources to display")
	fs.IntVar(&opts.Offset, "offset", 0, "Pagination offset")

	if err := fs.Parse(args); err != nil {
		return listSourcesOptions{}, err
	}
	if opts.Limit < 0 {
		return listSourcesOptions{}, errors.New("--limit must be >= 0")
	}
	if opts.Offset < 0 {
		return listSourcesOptions{}, errors.New("--offset must be >= 0")
	}
	return opts, nil
}

func runListSources(cmdCtx *commandContext, args []string) error {
	opts, err := parseListSourcesFlags(args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		var (
			sources []*model.Source
			listErr error
		)
		if opts.Query != "" {
			sources, listErr = s.Services.Sources.ListByNameContains(ctx, opts.Query, opts.Limit, opts.Offset)
		} else {
			sources, listErr = s.Services.Sources.List(ctx, opts.Limit, opts.Offset)
		}
		if listErr != nil {
			return fmt.Errorf("list sources: %w", listErr)
		}
		return printSourceList(sources)
	})
}

func printSourceList(sources []*model.Source) error {
	if len(sources) == 0 {
		if err := writeln(os.Stdout, "(no sources found)"); err != nil {
			return fmt.Errorf("print empty source list: %w", err)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "ID\tName\tType\tStatus\tHealth\tActive\tSuccess\tProxies"); err != nil {
		return fmt.Errorf("print source list header: %w", err)
	}
	for _, src := range sources {
		if err := writef(
			w,
			"%s\t%s\t%s\t%s\t%s\t%t\t%.1f%%\t%d\n",
			src.ID,
			src.Name,
			src.Type,
			src.Status,
			src.Health,
			src.Active,
			src.Stats.SuccessRate()*100,
			len(src.Proxies),
		); err != nil {
			return fmt.Errorf("print source row %q: %w", src.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush source list: %w", err)
	}
	return nil
}

func parseSourceIDFlags(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var sourceID string
	fs.StringVar(&sourceID, "id", "", "Source ID (required)")

	if err := fs.Parse(args); err != nil {
		return "", err
	}

	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return "", errors.New("--id is required")
	}
	return sourceID, nil
}

func runShowSource(cmdCtx *commandContext, args []string) error {
	sourceID, err := parseSourceIDFlags("show-source", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		src, getErr := s.Services.Sources.GetByID(ctx, sourceID)
		if getErr != nil {
			return fmt.Errorf("get source: %w", getErr)
		}
		return printSourceDetail(src)
	})
}

func printSourceDetail(src *model.Source) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value string
	}{
		{"ID", src.ID},
		{"Name", src.Name},
		{"Type", string(src.Type)},
		{"Base URL", src.BaseURL},
		{"Domain", src.Domain},
		{"Active", fmt.Sprintf("%t", src.Active)},
		{"Status", string(src.Status)},
		{"Health", string(src.Health)},
		{"Failure Streak", fmt.Sprintf("%d", src.ConsecutiveFailures)},
		{"Success Streak", fmt.Sprintf("%d", src.ConsecutiveSuccesses)},
		{"Proxy Strategy", string(src.ProxyStrategy)},
		{"Allow Direct", fmt.Sprintf("%t", src.AllowDirect)},
		{"Requests", fmt.Sprintf("%d (%.1f%% ok, avg %.0fms)", src.Stats.TotalRequests, src.Stats.SuccessRate()*100, src.Stats.AvgResponseMS)},
		{"Rate Limit", renderRateLimit(src.RateLimit)},
		{"Created", src.CreatedAt.Format(time.RFC3339)},
		{"Updated", src.UpdatedAt.Format(time.RFC3339)},
	}
	if src.MaintenanceUntil != nil {
		rows = append(rows, struct {
			label string
			value string
		}{"Maintenance Until", src.MaintenanceUntil.Format(time.RFC3339)})
	}
	for _, row := range rows {
		if err := writef(w, "%s\t%s\n", row.label, row.value); err != nil {
			return fmt.Errorf("print source detail row %q: %w", row.label, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush source detail: %w", err)
	}

	if len(src.Proxies) > 0 {
		if err := writef(os.Stdout, "\nProxies\n"); err != nil {
			return fmt.Errorf("print proxies title: %w", err)
		}
		pw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if err := writeln(pw, "URL\tActive\tSuccess\tFailure\tStreak\tAvg MS\tCooldown"); err != nil {
			return fmt.Errorf("print proxies header: %w", err)
		}
		now := time.Now()
		for i := range src.Proxies {
			proxy := &src.Proxies[i]
			cooldown := "-"
			if proxy.InCooldown(now) {
				cooldown = proxy.CooldownUntil.Format(time.RFC3339)
			}
			if err := writef(
				pw,
				"%s\t%t\t%d\t%d\t%d\t%.0f\t%s\n",
				proxy.URL,
				proxy.Active,
				proxy.SuccessCount,
				proxy.FailureCount,
				proxy.ConsecutiveFailures,
				proxy.AvgResponseMS,
				cooldown,
			); err != nil {
				return fmt.Errorf("print proxy row %q: %w", proxy.URL, err)
			}
		}
		if err := pw.Flush(); err != nil {
			return fmt.Errorf("flush proxies table: %w", err)
		}
	}

	if len(src.Selectors) > 0 {
		if err := writef(os.Stdout, "\nSelectors\n"); err != nil {
			return fmt.Errorf("print selectors title: %w", err)
		}
		sw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for field, selector := range src.Selectors {
			if err := writef(sw, "%s\t%s\n", field, selector); err != nil {
				return fmt.Errorf("print selector row %q: %w", field, err)
			}
		}
		if err := sw.Flush(); err != nil {
			return fmt.Errorf("flush selectors table: %w", err)
		}
	}
	return nil
}

func renderRateLimit(policy model.RateLimitPolicy) string {
	return fmt.Sprintf(
		"%d/min %d/hr %d/day, min delay %dms, burst %d",
		policy.MaxPerMinute,
		policy.MaxPerHour,
		policy.MaxPerDay,
		policy.MinDelayMS,
		policy.BurstSize,
	)
}

type updateSourceOptions struct {
	ID            string
	Name          string
	BaseURL       string
	Active        bool
	Status        string
	Proxies       string
	ProxyStrategy string
	AllowDirect   bool
	TimeoutMS     int
	provided      map[string]bool
}

func parseUpdateSourceFlags(args []string) (updateSourceOptions, error) {
	fs := flag.NewFlagSet("update-source", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts updateSourceOptions
	fs.StringVar(&opts.ID, "id", "", "Source ID (required)")
	fs.StringVar(&opts.Name, "name", "", "New source name")
	fs.StringVar(&opts.BaseURL, "base-url", "", "New base URL")
	fs.BoolVar(&opts.Active, "active", false, "Enable or disable the source")
	fs.StringVar(&opts.Status, "status", "", "New status: ok, maintenance, error, or disabled")
	fs.StringVar(&opts.Proxies, "proxies", "", "Replacement comma-separated proxy URLs")
	fs.StringVar(&opts.ProxyStrategy, "proxy-strategy", "", "New proxy rotation strategy")
	fs.BoolVar(&opts.AllowDirect, "allow-direct", false, "Permit direct requests when proxies are exhausted")
	fs.IntVar(&opts.TimeoutMS, "timeout-ms", 0, "New per-request timeout in milliseconds")

	if err := fs.Parse(args); err != nil {
		return updateSourceOptions{}, err
	}

	opts.provided = map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		opts.provided[f.Name] = true
	})

	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return updateSourceOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func (o updateSourceOptions) toRequest() model.UpdateSourceRequest {
	var req model.UpdateSourceRequest
	if o.provided["name"] {
		name := strings.TrimSpace(o.Name)
		req.Name = &name
	}
	if o.provided["base-url"] {
		baseURL := strings.TrimSpace(o.BaseURL)
		req.BaseURL = &baseURL
	}
	if o.provided["active"] {
		active := o.Active
		req.Active = &active
	}
	if o.provided["status"] {
		status := model.SourceStatus(strings.ToLower(strings.TrimSpace(o.Status)))
		req.Status = &status
	}
	if o.provided["proxies"] {
		req.Proxies = splitCommaList(o.Proxies)
	}
	if o.provided["proxy-strategy"] {
		strategy := model.ProxyStrategy(strings.ToLower(strings.TrimSpace(o.ProxyStrategy)))
		req.ProxyStrategy = &strategy
	}
	if o.provided["allow-direct"] {
		allowDirect := o.AllowDirect
		req.AllowDirect = &allowDirect
	}
	if o.provided["timeout-ms"] {
		timeoutMS := o.TimeoutMS
		req.RequestTimeoutMS = &timeoutMS
	}
	return req
}

func runUpdateSource(cmdCtx *commandContext, args []string) error {
	opts, err := parseUpdateSourceFlags(args)
	if err != nil {
		return err
	}
	req := opts.toRequest()
	if !req.HasUpdates() {
		return errors.New("no update flags provided")
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		src, updateErr := s.Services.Sources.Update(ctx, opts.ID, req)
		if updateErr != nil {
			return fmt.Errorf("update source: %w", updateErr)
		}
		if err := writef(os.Stdout, "Updated source %s (%s)\n", src.ID, src.Name); err != nil {
			return fmt.Errorf("print updated source: %w", err)
		}
		return nil
	})
}

type deleteSourceOptions struct {
	ID  string
	Yes bool
}

type deleteSourceConfirmOptions struct {
	opts deleteSourceOptions
}

func (d deleteSourceConfirmOptions) IsYes() bool { return d.opts.Yes }
func (d deleteSourceConfirmOptions) GetWarning() string {
	return "WARNING: this permanently removes the source and its proxy pool."
}

func (d deleteSourceConfirmOptions) GetTarget() string {
	return fmt.Sprintf("source %q", d.opts.ID)
}

func runDeleteSource(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("delete-source", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts deleteSourceOptions
	fs.StringVar(&opts.ID, "id", "", "Source ID (required)")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return errors.New("--id is required")
	}

	if confirmErr := confirmAction(deleteSourceConfirmOptions{opts}, "delete"); confirmErr != nil {
		return confirmErr
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		deleted, deleteErr := s.Services.Sources.Delete(ctx, opts.ID)
		if deleteErr != nil {
			return fmt.Errorf("delete source: %w", deleteErr)
		}
		if !deleted {
			if err := writef(os.Stdout, "Source %s not found\n", opts.ID); err != nil {
				return fmt.Errorf("print delete miss: %w", err)
			}
			return nil
		}
		if err := writef(os.Stdout, "Deleted source %s\n", opts.ID); err != nil {
			return fmt.Errorf("print delete confirmation: %w", err)
		}
		return nil
	})
}

func runResumeSource(cmdCtx *commandContext, args []string) error {
	sourceID, err := parseSourceIDFlags("resume-source", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		src, getErr := s.Services.Sources.GetByID(ctx, sourceID)
		if getErr != nil {
			return fmt.Errorf("get source: %w", getErr)
		}
		if src.Status == model.SourceStatusOK {
			if err := writef(os.Stdout, "Source %s is already ok\n", sourceID); err != nil {
				return fmt.Errorf("print resume noop: %w", err)
			}
			return nil
		}

		before := src.Status
		status := model.SourceStatusOK
		updated, updateErr := s.Services.Sources.Update(ctx, sourceID, model.UpdateSourceRequest{Status: &status})
		if updateErr != nil {
			return fmt.Errorf("resume source: %w", updateErr)
		}
		if err := writef(
			os.Stdout,
			"Source %s (%s) moved %s -> %s; health recovers as probes succeed\n",
			updated.ID,
			updated.Name,
			before,
			updated.Status,
		); err != nil {
			return fmt.Errorf("print resume confirmation: %w", err)
		}
		return nil
	})
}
