package data

import (
	"reflect"
	"testing"

	"github.com/hirewire/cvpipeline/internal/core"
)

// JobRepo backs every job-facing port; drift in any direction is a bug.
var (
	_ core.JobRepository        = (*JobRepo)(nil)
	_ core.JobControlRepository = (*JobRepo)(nil)
	_ core.JobSourceRepository  = (*JobRepo)(nil)
	_ core.ReaperRepository     = (*JobRepo)(nil)
	_ core.JobIntrospector      = (*JobRepo)(nil)
)

// JobRepo is the widest repository in the package, and new exported methods
// tend to accrete here. This test forces each addition to be deliberate:
// extend the allowlist in the same change that adds the method, or move the
// query where it belongs.
func TestJobRepoExportedMethodsMatchAllowlist(t *testing.T) {
	allowed := map[string]struct{}{
		"Cancel":                       {},
		"CheckpointSource":             {},
		"Complete":                     {},
		"ControlState":                 {},
		"CountAggregatesBySources":     {},
		"CountBySource":                {},
		"Create":                       {},
		"Delete":                       {},
		"DeleteOldJobs":                {},
		"DeletePendingByScheduledTask": {},
		"EnforceDeadlines":             {},
		"Fail":                         {},
		"FailStaleWaitingJobs":         {},
		"FinalizeCancel":               {},
		"FinishSource":                 {},
		"GetByID":                      {},
		"GetJobSource":                 {},
		"Heartbeat":                    {},
		"JobStatesByTaskName":          {},
		"List":                         {},
		"ListBySource":                 {},
		"ListJobSources":               {},
		"ListRecentByType":             {},
		"MarkPaused":                   {},
		"RequestPause":                 {},
		"ReserveNext":                  {},
		"ResetFailedSources":           {},
		"Resume":                       {},
		"StartSource":                  {},
		"Stats":                        {},
		"UpdateProgress":               {},
		"WaitForNotification":          {},
	}

	methods := reflect.TypeOf(&JobRepo{})
	seen := make(map[string]struct{})

	for i := range methods.NumMethod() {
		m := methods.Method(i)
		if !m.IsExported() {
			continue
		}
		name := m.Name
		if _, ok := allowed[name]; !ok {
			t.Fatalf("unexpected exported method on JobRepo: %s", name)
		}
		seen[name] = struct{}{}
	}

	for name := range allowed {
		if _, ok := seen[name]; !ok {
			t.Fatalf("expected JobRepo to export method %s", name)
		}
	}
}
