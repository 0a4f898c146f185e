package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/vrdb/questmeta/internal/utils"
	"github.com/vrdb/questmeta/pkg/catalog"
	"github.com/vrdb/questmeta/pkg/dataset"
	"github.com/vrdb/questmeta/pkg/extract"
	"github.com/vrdb/questmeta/pkg/images"
	"github.com/vrdb/questmeta/pkg/run"
	"github.com/vrdb/questmeta/pkg/sources"
	"github.com/vrdb/questmeta/pkg/statedb"
)

// runCmd implements: questmeta run
//
// A run sweeps the catalog listing, decides per entity between a full
// history fetch and an incremental tail fetch, and commits the reconciled
// records. It exits non-zero only on a setup failure (missing Chrome,
// unreadable dataset, broken listing source); per-entity failures are
// captured in the error log and the run still commits everything that
// succeeded.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sweep the catalog and update the local dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'questmeta run --help'", args[0])
		}

		datasetPath := viper.GetString("dataset.path")
		store, err := dataset.Open(datasetPath)
		if err != nil {
			return fmt.Errorf("opening dataset at %s: %w", datasetPath, err)
		}

		state, err := statedb.Open(viper.GetString("state.path"))
		if err != nil {
			return fmt.Errorf("opening state db: %w", err)
		}
		defer state.Close()

		workers := viper.GetInt("scrape.workers")
		if w, _ := cmd.Flags().GetInt("workers"); w > 0 {
			workers = w
		}
		pool, err := extract.NewChromePool(extract.ChromeConfig{
			Sessions: workers,
			Headless: viper.GetBool("scrape.headless"),
		})
		if err != nil {
			return fmt.Errorf("starting browser pool: %w", err)
		}
		defer pool.Close()

		ctx := cmd.Context()
		deadlineMin := viper.GetInt("scrape.deadline_minutes")
		if d, _ := cmd.Flags().GetInt("deadline"); d > 0 {
			deadlineMin = d
		}
		if deadline := deadlineMin; deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(deadline)*time.Minute)
			defer cancel()
		}

		baseURL := viper.GetString("store.base_url")
		listing := sources.NewListingClient(baseURL, viper.GetStringSlice("store.sections"))
		sweep, err := listing.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("catalog sweep failed: %w", err)
		}
		utils.Log.Infof("sweep observed %d listings", len(sweep))

		adapter := extract.NewAdapter(pool, baseURL,
			rate.NewLimiter(rate.Limit(viper.GetFloat64("scrape.rate_per_second")), 1))
		adapter.PageTimeout = time.Duration(viper.GetInt("scrape.page_timeout_seconds")) * time.Second

		runner := &run.Runner{
			Fetcher: adapter,
			Assets: images.NewPool(&run.BlobIndex{State: state, Store: store},
				viper.GetInt("scrape.image_workers")),
			Store:   store,
			State:   state,
			Resolver: &catalog.Resolver{
				ExclusionWindow: time.Duration(viper.GetInt("scrape.exclusion_days")) * 24 * time.Hour,
				Mapping:         loadMapping(ctx, state),
			},
			Workers:   workers,
			Retention: time.Duration(viper.GetInt("errors.retention_days")) * 24 * time.Hour,
			Log:       utils.Log,
		}

		manifest, err := runner.Run(ctx, sweep)
		if err != nil {
			return err
		}

		fmt.Printf("run %s: %d new, %d refreshed, %d stale, %d failed\n",
			manifest.RunID, manifest.New, manifest.Refreshed, manifest.Stale, manifest.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int("workers", 0, "Override entity worker count (0 = config value)")
	runCmd.Flags().Int("deadline", 0, "Override run deadline in minutes (0 = config value)")
}

// loadMapping fetches the crowd-sourced id-mapping sheet. The sheet is an
// optional, best-effort input: missing credentials or a fetch failure only
// cost unresolved provisional entities, so failures are captured and the
// run proceeds with an empty mapping.
func loadMapping(ctx context.Context, state *statedb.DB) map[string]string {
	creds := sources.ServiceCredentials{
		ProjectID:    os.Getenv("GOOGLE_PROJECT_ID"),
		PrivateKeyID: os.Getenv("GOOGLE_PRIVATE_KEY_ID"),
		PrivateKey:   os.Getenv("GOOGLE_PRIVATE_KEY"),
		ClientEmail:  os.Getenv("GOOGLE_CLIENT_EMAIL"),
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		CertURL:      os.Getenv("GOOGLE_CERT_URL"),
	}
	sheetID := viper.GetString("mapping.spreadsheet_id")
	if sheetID == "" || !creds.Complete() {
		utils.Log.Info("id-mapping sheet not configured, skipping")
		return nil
	}

	src := &sources.MappingSource{
		Credentials:   creds,
		SpreadsheetID: sheetID,
		Range:         viper.GetString("mapping.range"),
	}
	mapping, skipped, err := src.Load(ctx)
	if err != nil {
		utils.Log.Warnf("id-mapping sheet unavailable: %v", err)
		if dbErr := state.RecordError(ctx, "-", catalog.StageMapping, err.Error()); dbErr != nil {
			utils.Log.Errorf("failed to capture mapping error: %v", dbErr)
		}
		return nil
	}
	if skipped > 0 {
		utils.Log.Debugf("id-mapping sheet: skipped %d malformed rows", skipped)
	}
	utils.Log.Infof("id-mapping sheet: %d entries", len(mapping))
	return mapping
}
