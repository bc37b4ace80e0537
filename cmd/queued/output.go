package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/scarson/queued/internal/store"
)

// statsSource is the store surface printStats reads.
type statsSource interface {
	GetTypes(ctx context.Context) ([]string, error)
	GetLength(ctx context.Context, jobType string) (int, error)
	GetStats(ctx context.Context) ([]store.TypeStats, error)
}

// printStats writes one row per known job type.
func printStats(ctx context.Context, st statsSource, out io.Writer) error {
	types, err := st.GetTypes(ctx)
	if err != nil {
		return err
	}
	stats, err := st.GetStats(ctx)
	if err != nil {
		return err
	}
	byType := make(map[string]store.TypeStats, len(stats))
	for _, s := range stats {
		byType[s.JobType] = s
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tPENDING\tCOMPLETED\tAVG LIFETIME\tAVG RUNTIME\tAVG FETCH DELAY")
	total := 0
	for _, t := range types {
		n, err := st.GetLength(ctx, t)
		if err != nil {
			return err
		}
		total += n
		s := byType[t]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n", t, n, s.Completed,
			s.AvgLifetime.Round(time.Millisecond),
			s.AvgRuntime.Round(time.Millisecond),
			s.AvgFetchDelay.Round(time.Millisecond))
	}
	fmt.Fprintf(tw, "TOTAL\t%d\t\t\t\t\n", total)
	return tw.Flush()
}

// printJobs writes one row per job.
func printJobs(jobs []store.Job, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tGROUP\tREFERENCE\tNOT BEFORE\tFETCHED\tCOMPLETED\tFAILED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			j.ID, j.JobType, deref(j.Group), deref(j.Reference),
			j.NotBefore.Format(time.RFC3339), fmtTime(j.Fetched), fmtTime(j.Completed), j.Failed)
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
