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

	"github.com/hirewire/cvpipeline/internal/domain"
	"github.com/hirewire/cvpipeline/internal/domain/model"
)

func taskCommands() []command {
	return []command{
		{
			name:        "list-tasks",
			description: "List recurring scheduled tasks",
			run:         runListTasks,
		},
		{
			name:        "upsert-task",
			description: "Create or update a scheduled task by name",
			run:         runUpsertTask,
		},
		{
			name:        "enable-task",
			description: "Enable a scheduled task",
			run:         runEnableTask,
		},
		{
			name:        "disable-task",
			description: "Disable a scheduled task without deleting it",
			run:         runDisableTask,
		},
		{
			name:        "delete-task",
			description: "Delete a scheduled task by name",
			run:         runDeleteTask,
		},
	}
}

func runListTasks(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("list-tasks", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		tasks, listErr := s.Services.ScheduledJobs.List(ctx)
		if listErr != nil {
			return fmt.Errorf("list scheduled tasks: %w", listErr)
		}
		return printTaskList(tasks)
	})
}

func printTaskList(tasks []domain.ScheduledTask) error {
	if len(tasks) == 0 {
		if err := writeln(os.Stdout, "(no scheduled tasks found)"); err != nil {
			return fmt.Errorf("print empty task list: %w", err)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(w, "Task\tJob Type\tInterval\tEnabled\tOverrun\tLast Queued"); err != nil {
		return fmt.Errorf("print task list header: %w", err)
	}
	for i := range tasks {
		task := &tasks[i]
		overrun := "default"
		if task.OverrunPolicy != nil {
			overrun = string(*task.OverrunPolicy)
		}
		lastQueued := "never"
		if task.LastQueuedAt != nil {
			lastQueued = task.LastQueuedAt.Format(time.RFC3339)
		}
		if err := writef(
			w,
			"%s\t%s\t%s\t%t\t%s\t%s\n",
			task.TaskName,
			task.JobType,
			task.Interval,
			task.Enabled,
			overrun,
			lastQueued,
		); err != nil {
			return fmt.Errorf("print task row %q: %w", task.TaskName, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush task list: %w", err)
	}
	return nil
}

type upsertTaskOptions struct {
	Name          string
	Type          string
	Payload       string
	Interval      time.Duration
	Enabled       bool
	Overrun       string
	OverrunStates string
}

func parseUpsertTaskFlags(args []string) (upsertTaskOptions, error) {
	fs := flag.NewFlagSet("upsert-task", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts upsertTaskOptions
	fs.StringVar(&opts.Name, "name", "", "Task name (required, unique)")
	fs.StringVar(&opts.Type, "type", string(model.JobTypeIngest), "Job type the task enqueues: ingest, rescore, or quality_report")
	fs.StringVar(&opts.Payload, "payload", "", "JSON payload copied onto every enqueued job")
	fs.DurationVar(&opts.Interval, "interval", 0, "Scheduling cadence, e.g. 30m or 24h (required)")
	fs.BoolVar(&opts.Enabled, "enabled", true, "Whether the task is eligible for scheduling")
	fs.StringVar(&opts.Overrun, "overrun", "", "Per-task overrun policy: skip, queue, or reschedule (default: global)")
	fs.StringVar(&opts.OverrunStates, "overrun-states", "", "Comma-separated states that block enqueue: running, waiting, paused, retrying")

	if err := fs.Parse(args); err != nil {
		return upsertTaskOptions{}, err
	}

	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return upsertTaskOptions{}, errors.New("--name is required")
	}
	if opts.Interval <= 0 {
		return upsertTaskOptions{}, errors.New("--interval must be greater than zero")
	}
	return opts, nil
}

func (o upsertTaskOptions) toParams() (domain.UpsertTaskParams, error) {
	params := domain.UpsertTaskParams{
		TaskName: o.Name,
		JobType:  model.JobType(strings.ToLower(strings.TrimSpace(o.Type))),
		Interval: o.Interval,
		Enabled:  o.Enabled,
	}
	if !params.JobType.Valid() {
		return domain.UpsertTaskParams{}, fmt.Errorf("invalid job type %q", o.Type)
	}
	if o.Payload != "" {
		if !json.Valid([]byte(o.Payload)) {
			return domain.UpsertTaskParams{}, errors.New("--payload must be valid JSON")
		}
		params.Payload = json.RawMessage(o.Payload)
	}
	if o.Overrun != "" {
		var policy domain.OverrunPolicy
		if err := policy.UnmarshalText([]byte(o.Overrun)); err != nil {
			return domain.UpsertTaskParams{}, fmt.Errorf("parse --overrun: %w", err)
		}
		params.OverrunPolicy = &policy
	}
	if o.OverrunStates != "" {
		mask, err := domain.ParseOverrunStateMask(o.OverrunStates)
		if err != nil {
			return domain.UpsertTaskParams{}, fmt.Errorf("parse --overrun-states: %w", err)
		}
		params.OverrunStates = &mask
	}
	return params, nil
}

func runUpsertTask(cmdCtx *commandContext, args []string) error {
	opts, err := parseUpsertTaskFlags(args)
	if err != nil {
		return err
	}
	params, err := opts.toParams()
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		if upsertErr := s.Services.ScheduledJobs.UpsertByTaskName(ctx, params); upsertErr != nil {
			return fmt.Errorf("upsert task: %w", upsertErr)
		}
		if err := writef(
			os.Stdout,
			"Task %q scheduled every %s (enabled=%t)\n",
			params.TaskName,
			params.Interval,
			params.Enabled,
		); err != nil {
			return fmt.Errorf("print upsert confirmation: %w", err)
		}
		return nil
	})
}

func parseTaskNameFlags(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var taskName string
	fs.StringVar(&taskName, "name", "", "Task name (required)")

	if err := fs.Parse(args); err != nil {
		return "", err
	}

	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return "", errors.New("--name is required")
	}
	return taskName, nil
}

func runEnableTask(cmdCtx *commandContext, args []string) error {
	return setTaskEnabled(cmdCtx, "enable-task", args, true)
}

func runDisableTask(cmdCtx *commandContext, args []string) error {
	return setTaskEnabled(cmdCtx, "disable-task", args, false)
}

func setTaskEnabled(cmdCtx *commandContext, cmdName string, args []string, enabled bool) error {
	taskName, err := parseTaskNameFlags(cmdName, args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		updated, setErr := s.Services.ScheduledJobs.SetEnabled(ctx, taskName, enabled)
		if setErr != nil {
			return fmt.Errorf("set task enabled: %w", setErr)
		}
		if !updated {
			if err := writef(os.Stdout, "Task %q not found\n", taskName); err != nil {
				return fmt.Errorf("print task miss: %w", err)
			}
			return nil
		}

		state := "disabled"
		if enabled {
			state = "enabled"
		}
		if err := writef(os.Stdout, "Task %q %s\n", taskName, state); err != nil {
			return fmt.Errorf("print task toggle: %w", err)
		}
		return nil
	})
}

func runDeleteTask(cmdCtx *commandContext, args []string) error {
	taskName, err := parseTaskNameFlags("delete-task", args)
	if err != nil {
		return err
	}

	return withServices(cmdCtx, defaultCommandTimeout, func(ctx context.Context, s *servicesSession) error {
		deleted, deleteErr := s.Services.ScheduledJobs.DeleteByTaskName(ctx, taskName)
		if deleteErr != nil {
			return fmt.Errorf("delete task: %w", deleteErr)
		}
		if !deleted {
			if err := writef(os.Stdout, "Task %q not found\n", taskName); err != nil {
				return fmt.Errorf("print task miss: %w", err)
			}
			return nil
		}
		if err := writef(os.Stdout, "Deleted task %q\n", taskName); err != nil {
			return fmt.Errorf("print delete confirmation: %w", err)
		}
		return nil
	})
}
