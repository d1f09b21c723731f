package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/hermes/internal/pricing"
)

var (
	seedPMIPath   string
	seedTitlePath string
	seedEffective string
)

// seedCmd bootstraps curated PMI/Title rate cards into the store from YAML
// files, the way a fresh deployment gets pricing data before any filings
// have been scraped and parsed.
var seedCmd = &cobra.Command{
	Use:   "seed_rate_cards",
	Short: "Install curated PMI/Title rate cards from YAML seed files",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if seedPMIPath == "" && seedTitlePath == "" {
			return eris.New("at least one of --pmi or --title is required")
		}

		effective := time.Now().UTC()
		if seedEffective != "" {
			parsed, err := time.Parse("2006-01-02", seedEffective)
			if err != nil {
				return eris.Wrap(err, "parse --effective")
			}
			effective = parsed
		}

		var pmiYAML, titleYAML []byte
		var err error
		if seedPMIPath != "" {
			if pmiYAML, err = os.ReadFile(seedPMIPath); err != nil {
				return eris.Wrap(err, "read PMI seed file")
			}
		}
		if seedTitlePath != "" {
			if titleYAML, err = os.ReadFile(seedTitlePath); err != nil {
				return eris.Wrap(err, "read title seed file")
			}
		}

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		installed, err := pricing.InstallSeeds(ctx, st, pmiYAML, titleYAML, effective)
		if err != nil {
			return err
		}
		fmt.Printf("installed %d rate cards (effective %s)\n", installed, effective.Format("2006-01-02"))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedPMIPath, "pmi", "", "path to the PMI rate card seed YAML")
	seedCmd.Flags().StringVar(&seedTitlePath, "title", "", "path to the title rate card seed YAML")
	seedCmd.Flags().StringVar(&seedEffective, "effective", "", "effective date (YYYY-MM-DD), defaults to today")
	rootCmd.AddCommand(seedCmd)
}
