package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/scarson/queued/internal/store"
)

func listIDs(t *testing.T, jobs []store.Job) []int64 {
	t.Helper()
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func TestListJobs(t *testing.T) {
	t.Parallel()
	s, _ := newClockedDB(t)
	ctx := context.Background()

	a1 := mustCreate(t, s, store.CreateJobParams{Type: "a", Payload: []byte(`{"n":1}`), Group: "g"})
	a2 := mustCreate(t, s, store.CreateJobParams{Type: "a"})
	b1 := mustCreate(t, s, store.CreateJobParams{Type: "b", Group: "g"})
	c1 := mustCreate(t, s, store.CreateJobParams{Type: "c"})

	// Complete a1, leave b1 running.
	job, err := s.ClaimJob(ctx, store.ClaimParams{
		Token:        "w1",
		Group:        "g",
		Capabilities: []store.ClaimCapability{{JobType: "a", Timeout: time.Hour}},
	})
	if err != nil || job == nil || job.ID != a1 {
		t.Fatalf("claim a1: job=%v err=%v", job, err)
	}
	if err := s.MarkJobDone(ctx, a1, *job.WorkerKey); err != nil {
		t.Fatalf("MarkJobDone: %v", err)
	}
	if _, err := s.ClaimJob(ctx, store.ClaimParams{
		Token:        "w2",
		Group:        "g",
		Capabilities: []store.ClaimCapability{{JobType: "b", Timeout: time.Hour}},
	}); err != nil {
		t.Fatalf("claim b1: %v", err)
	}

	cases := []struct {
		name string
		p    store.ListJobsParams
		want []int64
	}{
		{"all", store.ListJobsParams{}, []int64{a1, a2, b1, c1}},
		{"types", store.ListJobsParams{Types: []string{"a", "c"}}, []int64{a1, a2, c1}},
		{"group", store.ListJobsParams{Group: "g"}, []int64{a1, b1}},
		{"pending", store.ListJobsParams{State: store.StatePending}, []int64{a2, b1, c1}},
		{"running", store.ListJobsParams{State: store.StateRunning}, []int64{b1}},
		{"completed", store.ListJobsParams{State: store.StateCompleted}, []int64{a1}},
		{"page", store.ListJobsParams{AfterID: a2, Limit: 1}, []int64{b1}},
	}
	for _, tc := range cases {
		jobs, err := s.ListJobs(ctx, tc.p)
		if err != nil {
			t.Fatalf("%s: ListJobs: %v", tc.name, err)
		}
		got := listIDs(t, jobs)
		if len(got) != len(tc.want) {
			t.Errorf("%s: ids = %v, want %v", tc.name, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%s: ids = %v, want %v", tc.name, got, tc.want)
				break
			}
		}
	}

	jobs, err := s.ListJobs(ctx, store.ListJobsParams{Types: []string{"a"}, Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if string(jobs[0].Payload) != `{"n":1}` || jobs[0].Completed == nil {
		t.Errorf("listed job = %+v, want completed a1 with payload", jobs[0])
	}

	if _, err := s.ListJobs(ctx, store.ListJobsParams{State: "bogus"}); err == nil {
		t.Error("ListJobs accepted an unknown state")
	}
}
