package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/scarson/queued/internal/store"
)

// registerJobRoutes wires up the producer-facing job endpoints.
//
//	POST /jobs           enqueue (rate limited per client)
//	GET  /jobs/progress  status by reference or group
//	GET  /jobs/stats     pending counts and completed-job averages per type
//	GET  /jobs           filtered, id-paged listing
//	GET  /jobs/{id}      one job
func registerJobRoutes(api huma.API, js JobStore, rl *ipRateLimiter) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a job",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
		Middlewares:   huma.Middlewares{rateLimitMiddleware(api, rl)},
	}, createJobHandler(js))

	huma.Register(api, huma.Operation{
		OperationID: "job-progress",
		Method:      http.MethodGet,
		Path:        "/jobs/progress",
		Summary:     "Job progress",
		Description: "Derived status of every job matching the given references, exclusions and group.",
		Tags:        []string{"Jobs"},
	}, jobProgressHandler(js))

	huma.Register(api, huma.Operation{
		OperationID: "job-stats",
		Method:      http.MethodGet,
		Path:        "/jobs/stats",
		Summary:     "Queue statistics",
		Tags:        []string{"Jobs"},
	}, jobStatsHandler(js))

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Jobs in id order. Pass the returned next_after as `after` for the next page.",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(js))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Tags:        []string{"Jobs"},
	}, getJobHandler(js))
}

// ── Create ────────────────────────────────────────────────────────────────────

type CreateJobInput struct {
	Body struct {
		Type    string `json:"type" minLength:"1" doc:"Job type; must match a handler registered on some worker"`
		Payload any    `json:"payload,omitempty" doc:"Opaque JSON handed to the handler"`
		// NotBefore wins over DelaySeconds.
		NotBefore    *time.Time `json:"not_before,omitempty" doc:"Earliest execution time (RFC3339)"`
		DelaySeconds int        `json:"delay_seconds,omitempty" minimum:"0" doc:"Delay from now when not_before is absent"`
		Group        string     `json:"group,omitempty"`
		Reference    string     `json:"reference,omitempty" doc:"Correlation token for progress lookups"`
	}
}

type CreateJobOutput struct {
	Body struct {
		ID int64 `json:"id"`
	}
}

func createJobHandler(js JobStore) func(context.Context, *CreateJobInput) (*CreateJobOutput, error) {
	return func(ctx context.Context, input *CreateJobInput) (*CreateJobOutput, error) {
		var payload []byte
		if input.Body.Payload != nil {
			b, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, huma.Error400BadRequest("payload is not encodable as JSON")
			}
			payload = b
		}
		id, err := js.CreateJob(ctx, store.CreateJobParams{
			Type:      input.Body.Type,
			Payload:   payload,
			NotBefore: input.Body.NotBefore,
			Delay:     time.Duration(input.Body.DelaySeconds) * time.Second,
			Group:     input.Body.Group,
			Reference: input.Body.Reference,
		})
		if errors.Is(err, store.ErrEmptyJobType) {
			return nil, huma.Error422UnprocessableEntity("job type must not be empty")
		}
		if err != nil {
			return nil, fmt.Errorf("create job: %w", err)
		}
		out := &CreateJobOutput{}
		out.Body.ID = id
		return out, nil
	}
}

// ── Progress ──────────────────────────────────────────────────────────────────

type JobProgressInput struct {
	Reference []string `query:"reference" doc:"Only jobs with one of these references"`
	Exclude   []string `query:"exclude" doc:"Skip jobs with one of these references"`
	Group     string   `query:"group"`
}

type JobProgressItem struct {
	ID             int64   `json:"id"`
	Type           string  `json:"type"`
	Reference      *string `json:"reference,omitempty"`
	Status         string  `json:"status" enum:"NOT_READY,NOT_STARTED,IN_PROGRESS,FAILED,COMPLETED,UNKNOWN"`
	FailureMessage *string `json:"failure_message,omitempty"`
}

type JobProgressOutput struct {
	Body struct {
		Jobs []JobProgressItem `json:"jobs"`
	}
}

func jobProgressHandler(js JobStore) func(context.Context, *JobProgressInput) (*JobProgressOutput, error) {
	return func(ctx context.Context, input *JobProgressInput) (*JobProgressOutput, error) {
		rows, err := js.Progress(ctx, store.ProgressParams{
			References: input.Reference,
			Exclude:    input.Exclude,
			Group:      input.Group,
		})
		if err != nil {
			return nil, fmt.Errorf("job progress: %w", err)
		}
		out := &JobProgressOutput{}
		out.Body.Jobs = make([]JobProgressItem, 0, len(rows))
		for _, r := range rows {
			out.Body.Jobs = append(out.Body.Jobs, JobProgressItem{
				ID:             r.ID,
				Type:           r.JobType,
				Reference:      r.Reference,
				Status:         string(r.Status),
				FailureMessage: r.FailureMessage,
			})
		}
		return out, nil
	}
}

// ── Stats ─────────────────────────────────────────────────────────────────────

type JobTypeStats struct {
	Type                 string  `json:"type"`
	Pending              int     `json:"pending"`
	Completed            int64   `json:"completed"`
	AvgLifetimeSeconds   float64 `json:"avg_lifetime_seconds"`
	AvgRuntimeSeconds    float64 `json:"avg_runtime_seconds"`
	AvgFetchDelaySeconds float64 `json:"avg_fetch_delay_seconds"`
}

type JobStatsOutput struct {
	Body struct {
		Pending int            `json:"pending"`
		Types   []JobTypeStats `json:"types"`
	}
}

func jobStatsHandler(js JobStore) func(context.Context, *struct{}) (*JobStatsOutput, error) {
	return func(ctx context.Context, _ *struct{}) (*JobStatsOutput, error) {
		types, err := js.GetTypes(ctx)
		if err != nil {
			return nil, fmt.Errorf("job types: %w", err)
		}
		stats, err := js.GetStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("job stats: %w", err)
		}
		byType := make(map[string]store.TypeStats, len(stats))
		for _, st := range stats {
			byType[st.JobType] = st
		}

		out := &JobStatsOutput{}
		out.Body.Types = make([]JobTypeStats, 0, len(types))
		for _, t := range types {
			pending, err := js.GetLength(ctx, t)
			if err != nil {
				return nil, fmt.Errorf("pending %s: %w", t, err)
			}
			st := byType[t]
			out.Body.Pending += pending
			out.Body.Types = append(out.Body.Types, JobTypeStats{
				Type:                 t,
				Pending:              pending,
				Completed:            st.Completed,
				AvgLifetimeSeconds:   st.AvgLifetime.Seconds(),
				AvgRuntimeSeconds:    st.AvgRuntime.Seconds(),
				AvgFetchDelaySeconds: st.AvgFetchDelay.Seconds(),
			})
		}
		return out, nil
	}
}

// ── List / Get ────────────────────────────────────────────────────────────────

type JobItem struct {
	ID             int64      `json:"id"`
	Type           string     `json:"type"`
	Payload        any        `json:"payload,omitempty"`
	Group          *string    `json:"group,omitempty"`
	Reference      *string    `json:"reference,omitempty"`
	NotBefore      time.Time  `json:"not_before"`
	Created        time.Time  `json:"created"`
	Fetched        *time.Time `json:"fetched,omitempty"`
	Completed      *time.Time `json:"completed,omitempty"`
	Failed         int        `json:"failed"`
	FailureMessage *string    `json:"failure_message,omitempty"`
}

// toJobItem renders a job. Payloads that are not JSON are returned as strings.
func toJobItem(j *store.Job) JobItem {
	item := JobItem{
		ID:             j.ID,
		Type:           j.JobType,
		Group:          j.Group,
		Reference:      j.Reference,
		NotBefore:      j.NotBefore,
		Created:        j.Created,
		Fetched:        j.Fetched,
		Completed:      j.Completed,
		Failed:         j.Failed,
		FailureMessage: j.FailureMessage,
	}
	switch {
	case len(j.Payload) == 0:
	case json.Valid(j.Payload):
		item.Payload = json.RawMessage(j.Payload)
	default:
		item.Payload = string(j.Payload)
	}
	return item
}

type ListJobsInput struct {
	Type  []string `query:"type" doc:"Only these job types"`
	Group string   `query:"group"`
	State string   `query:"state" enum:"pending,running,retrying,completed" doc:"Lifecycle filter"`
	After int64    `query:"after" minimum:"0" doc:"Return jobs with a larger id"`
	Limit int      `query:"limit" default:"100" minimum:"1" maximum:"500"`
}

type ListJobsOutput struct {
	Body struct {
		Jobs      []JobItem `json:"jobs"`
		NextAfter *int64    `json:"next_after,omitempty"`
	}
}

func listJobsHandler(js JobStore) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		limit := min(max(input.Limit, 1), store.MaxListLimit)
		jobs, err := js.ListJobs(ctx, store.ListJobsParams{
			Types:   input.Type,
			Group:   input.Group,
			State:   store.JobState(input.State),
			AfterID: input.After,
			Limit:   limit + 1,
		})
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}

		out := &ListJobsOutput{}
		if len(jobs) > limit {
			jobs = jobs[:limit]
			next := jobs[limit-1].ID
			out.Body.NextAfter = &next
		}
		out.Body.Jobs = make([]JobItem, 0, len(jobs))
		for i := range jobs {
			out.Body.Jobs = append(out.Body.Jobs, toJobItem(&jobs[i]))
		}
		return out, nil
	}
}

type GetJobInput struct {
	ID int64 `path:"id"`
}

type GetJobOutput struct {
	Body JobItem
}

func getJobHandler(js JobStore) func(context.Context, *GetJobInput) (*GetJobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*GetJobOutput, error) {
		job, err := js.GetJob(ctx, input.ID)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		if job == nil {
			return nil, huma.Error404NotFound("job not found")
		}
		return &GetJobOutput{Body: toJobItem(job)}, nil
	}
}
