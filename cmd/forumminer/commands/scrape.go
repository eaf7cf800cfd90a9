package commands

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"forumminer/lib/archive"
	"forumminer/lib/assetsink"
	"forumminer/lib/configutil"
	"forumminer/lib/forumstate"
	"forumminer/lib/scrapers/woltlab"
	"forumminer/lib/telemetry"
	"forumminer/lib/throttle"
	"forumminer/services/miner"

	"github.com/spf13/cobra"
)

type Config struct {
	BaseUrl   string   `json:"base_url"`
	Boards    []string `json:"boards"`
	UserAgent string   `json:"user_agent"`

	// politeness knobs; zero values fall back to the defaults the
	// forum is known to tolerate
	Rate            float64 `json:"rate"`
	Capacity        float64 `json:"capacity"`
	JitterFraction  float64 `json:"jitter_fraction"`
	CooldownSeconds int     `json:"cooldown_seconds"`
	MaxRetries      int     `json:"max_retries"`
	BackoffSeconds  int     `json:"backoff_seconds"`

	// ReprocessOnViews treats a view-count-only change as a reason to
	// revisit a thread
	ReprocessOnViews *bool `json:"reprocess_on_views"`
}

var (
	scrapeConfig      *string
	scrapeState       *string
	scrapeLegacyState *string
	scrapeOut         *string
	scrapeDb          *string
	scrapeForce       *bool
	scrapeSkipAssets  *bool
	scrapeConcurrency *int
)

func init() {
	scrapeConfig = scrapeCmd.Flags().String("config", "config.json5", "The scraper config file.")
	scrapeState = scrapeCmd.Flags().String("state", "scraper_state.json", "The delta-detection state file.")
	scrapeLegacyState = scrapeCmd.Flags().String("legacy-state", "scraped_urls.json", "A legacy visited-url list to migrate when no state file exists.")
	scrapeOut = scrapeCmd.Flags().String("out", "output", "The directory to write threads, assets and indexes to.")
	scrapeDb = scrapeCmd.Flags().String("db", "", "An optional sqlite database to mirror results into.")
	scrapeForce = scrapeCmd.Flags().Bool("force", false, "Revisit every thread regardless of detected changes.")
	scrapeSkipAssets = scrapeCmd.Flags().Bool("skip-assets", false, "Skip attachment downloads.")
	scrapeConcurrency = scrapeCmd.Flags().Int("concurrency", 8, "How many threads to process at once.")
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [--config <config.json5>] [--state <state.json>] [--out <dir>]",
	Short: "Runs one incremental scrape pass over the configured boards.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		cfg, err := configutil.ReadConfig[Config](*scrapeConfig)
		if err != nil {
			fatal("failed to read config", err)
		}
		if cfg.BaseUrl == "" || len(cfg.Boards) == 0 {
			fatal("invalid config", fmt.Errorf("base_url and boards are required"))
		}

		telemetry.InstrumentPerfStats(ctx)

		store, err := forumstate.Open(*scrapeState, *scrapeLegacyState)
		if err != nil {
			fatal("failed to open state", err)
		}
		if cfg.ReprocessOnViews != nil {
			store.ReprocessOnViews = *cfg.ReprocessOnViews
		}

		throttler := throttle.New(throttle.Options{
			Rate:            cfg.Rate,
			Capacity:        cfg.Capacity,
			JitterFraction:  cfg.JitterFraction,
			DefaultCooldown: time.Duration(cfg.CooldownSeconds) * time.Second,
		})
		client, err := woltlab.NewClient(woltlab.ClientOptions{
			BaseUrl:        cfg.BaseUrl,
			UserAgent:      cfg.UserAgent,
			Throttler:      throttler,
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: time.Duration(cfg.BackoffSeconds) * time.Second,
		})
		if err != nil {
			fatal("failed to initialize client", err)
		}

		var sink *assetsink.Sink
		if !*scrapeSkipAssets {
			sink, err = assetsink.New(*scrapeOut+"/assets", 0)
			if err != nil {
				fatal("failed to prepare asset directory", err)
			}
		}

		var archiveStore *archive.Store
		if *scrapeDb != "" {
			db, err := archive.Open(*scrapeDb)
			if err != nil {
				fatal("failed to open archive db", err)
			}
			defer db.Close()
			archiveStore = &db
		}

		svc, err := miner.New(miner.Options{
			Store:       store,
			Client:      client,
			Sink:        sink,
			Archive:     archiveStore,
			BoardUrls:   cfg.Boards,
			OutputDir:   *scrapeOut,
			Concurrency: *scrapeConcurrency,
			Force:       *scrapeForce,
			SkipAssets:  *scrapeSkipAssets,
		})
		if err != nil {
			fatal("failed to initialize miner", err)
		}

		summary, err := svc.Run(ctx)
		fmt.Print(summary.Render())
		if err != nil {
			// cancellation or a discovery failure: state is saved, the
			// next run resumes, but this pass did not complete
			slog.Error("scrape pass did not complete", "err", err)
			os.Exit(1)
		}
	},
}
