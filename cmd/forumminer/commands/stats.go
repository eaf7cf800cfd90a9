package commands

import (
	"fmt"
	"sort"

	"forumminer/lib/archive"
	"forumminer/lib/textutil"

	"github.com/antzucaro/matchr"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statsDb *string

func init() {
	statsDb = statsCmd.Flags().String("db", "results.db", "The archive database to report on.")
	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats [--db <results.db>]",
	Short: "Summarizes an archive database: asset types and recurring topics.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		store, err := archive.Open(*statsDb)
		if err != nil {
			fatal("failed to open archive db", err)
		}
		defer store.Close()

		threads, posts, assets, err := store.Counts(ctx)
		if err != nil {
			fatal("failed to count rows", err)
		}
		fmt.Printf("%d threads, %d posts, %d assets\n\n", threads, posts, assets)

		types, err := store.AssetTypeCounts(ctx)
		if err != nil {
			fatal("failed to aggregate asset types", err)
		}
		if len(types) > 0 {
			tw := table.NewWriter()
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"asset type", "count"})
			for _, tc := range types {
				tw.AppendRow(table.Row{tc.MimeType, tc.Count})
			}
			fmt.Println(tw.Render())
		}

		titles, err := store.ThreadTitles(ctx)
		if err != nil {
			fatal("failed to load thread titles", err)
		}
		groups := groupSimilarTitles(titles)
		if len(groups) > 0 {
			fmt.Println("\nrecurring topics:")
			tw := table.NewWriter()
			tw.SetStyle(table.StyleLight)
			tw.AppendHeader(table.Row{"representative title", "threads"})
			for _, g := range groups {
				tw.AppendRow(table.Row{g.title, len(g.threadIDs)})
			}
			fmt.Println(tw.Render())
		}
	},
}

type titleGroup struct {
	title     string
	threadIDs []string
}

// groupSimilarTitles clusters near-duplicate thread titles by edit
// distance, surfacing questions the forum keeps answering. Greedy
// single-pass clustering is plenty at forum scale.
func groupSimilarTitles(titles map[string]string) []titleGroup {
	ids := make([]string, 0, len(titles))
	for id := range titles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var groups []titleGroup
	for _, id := range ids {
		title := titles[id]
		placed := false
		for i := range groups {
			if similarTitles(groups[i].title, title) {
				groups[i].threadIDs = append(groups[i].threadIDs, id)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, titleGroup{title: title, threadIDs: []string{id}})
		}
	}

	// only groups with more than one thread are interesting
	var recurring []titleGroup
	for _, g := range groups {
		if len(g.threadIDs) > 1 {
			recurring = append(recurring, g)
		}
	}
	sort.Slice(recurring, func(i, j int) bool {
		if len(recurring[i].threadIDs) != len(recurring[j].threadIDs) {
			return len(recurring[i].threadIDs) > len(recurring[j].threadIDs)
		}
		return recurring[i].title < recurring[j].title
	})
	return recurring
}

func similarTitles(a, b string) bool {
	a = textutil.NormalizeTitle(a)
	b = textutil.NormalizeTitle(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	longer := len(a)
	if len(b) > longer {
		longer = len(b)
	}
	distance := matchr.DamerauLevenshtein(a, b)
	// a quarter of the longer title may differ
	return distance*4 <= longer
}
