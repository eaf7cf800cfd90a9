package miner

import (
	"fmt"
	"sort"
	"time"

	"forumminer/lib/selectorchain"
	"forumminer/lib/throttle"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary is what one scrape pass reports when it ends, however it
// ends.
type Summary struct {
	ThreadsDiscovered int
	ThreadsVisited    int
	ThreadsSkipped    int

	PostsAdded     int
	PostsEdited    int
	PostsUnchanged int

	AssetsDownloaded int
	AssetsSkipped    int
	AssetsFailed     int

	// Failures counts records given up on, keyed by failure reason.
	Failures map[string]int

	Selectors []selectorchain.Stats
	Throttle  throttle.Snapshot
	Duration  time.Duration
}

// Render formats the summary as console tables.
func (s *Summary) Render() string {
	counts := table.NewWriter()
	counts.SetStyle(table.StyleLight)
	counts.AppendHeader(table.Row{"", "discovered", "visited", "skipped"})
	counts.AppendRow(table.Row{"threads", s.ThreadsDiscovered, s.ThreadsVisited, s.ThreadsSkipped})
	counts.AppendRow(table.Row{"posts", "", s.PostsAdded + s.PostsEdited + s.PostsUnchanged,
		fmt.Sprintf("%d new / %d edited", s.PostsAdded, s.PostsEdited)})
	counts.AppendRow(table.Row{"assets", "", s.AssetsDownloaded,
		fmt.Sprintf("%d unchanged / %d failed", s.AssetsSkipped, s.AssetsFailed)})

	out := counts.Render() + "\n"

	if len(s.Failures) > 0 {
		failures := table.NewWriter()
		failures.SetStyle(table.StyleLight)
		failures.AppendHeader(table.Row{"failure reason", "count"})
		reasons := make([]string, 0, len(s.Failures))
		for reason := range s.Failures {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			failures.AppendRow(table.Row{reason, s.Failures[reason]})
		}
		out += failures.Render() + "\n"
	}

	if len(s.Selectors) > 0 {
		selectors := table.NewWriter()
		selectors.SetStyle(table.StyleLight)
		selectors.AppendHeader(table.Row{"selector chain", "primary", "fallback", "misses"})
		for _, stat := range s.Selectors {
			if stat.Primary == 0 && stat.Fallback == 0 && stat.Misses == 0 {
				continue
			}
			selectors.AppendRow(table.Row{stat.Name, stat.Primary, stat.Fallback, stat.Misses})
		}
		out += selectors.Render() + "\n"
	}

	out += fmt.Sprintf("throttled %d times (%s waiting), %d cooldowns, finished in %s\n",
		s.Throttle.Throttled, s.Throttle.TotalWait.Round(time.Millisecond),
		s.Throttle.Cooldowns, s.Duration.Round(time.Millisecond))
	return out
}
