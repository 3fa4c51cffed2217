package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/JakeFAU/article-frontier/internal/crawler"
)

func writeStats(w io.Writer, stats crawler.Stats, maxRetries int) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Frontier\t(max retries %d)\n", maxRetries)
	fmt.Fprintf(tw, "  total\t%d\n", stats.Total)
	fmt.Fprintf(tw, "  done\t%d\n", stats.Done)
	fmt.Fprintf(tw, "  pending\t%d\n", stats.Pending)
	fmt.Fprintf(tw, "  with errors\t%d\n", stats.WithErrors)
	fmt.Fprintf(tw, "  exhausted\t%d\n", stats.Exhausted)
	fmt.Fprintf(tw, "  total errors\t%d\n", stats.TotalErrors)
	fmt.Fprintf(tw, "  avg fetch latency\t%s\n", time.Duration(stats.AvgFetchLatencyMs*float64(time.Millisecond)).Round(time.Millisecond))
	if len(stats.Recent) > 0 {
		fmt.Fprintln(tw, "Recent\t")
		for _, window := range stats.Recent {
			fmt.Fprintf(tw, "  last %s\t%d ok\t%d errors\n", window.Window, window.Successes, window.Errors)
		}
	}
	if len(stats.TopErrors) > 0 {
		fmt.Fprintln(tw, "Top errors\t")
		for _, e := range stats.TopErrors {
			fmt.Fprintf(tw, "  %d\t%s\n", e.Count, e.Message)
		}
	}
	return tw.Flush()
}
