package taxonomy

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/datastore"
	"github.com/birdhub/birdhub/internal/ebird"
	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/httpclient"
	"github.com/birdhub/birdhub/internal/logger"
	"github.com/birdhub/birdhub/internal/species"
)

// Command creates the taxonomy command group.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Manage the species taxonomy",
	}
	cmd.AddCommand(importCommand(settings))
	return cmd
}

func importCommand(settings *conf.Settings) *cobra.Command {
	var fromEBird bool
	var locale string

	cmd := &cobra.Command{
		Use:   "import [taxonomy.yaml]",
		Short: "Import species into the taxonomy",
		Long: `Import species from a YAML taxonomy file, or from the eBird API with --ebird.
Existing species are updated in place, so imports can be repeated.
A running server resolves newly imported species once its cached lookup
miss expires, within a minute.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if fromEBird {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.Global().Module("taxonomy")
			store, err := datastore.New(settings, log.Module("datastore"))
			if err != nil {
				return err
			}
			if err := store.Open(); err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn("failed to close datastore", logger.Error(err))
				}
			}()

			var count int64
			if fromEBird {
				if locale == "" {
					locale = settings.Taxonomy.EBird.Locale
				}
				count, err = importEBird(cmd.Context(), settings.Taxonomy.EBird, locale, store, log)
			} else {
				count, err = species.ImportFile(cmd.Context(), store, args[0])
			}
			if err != nil {
				return err
			}

			log.Info("taxonomy imported", logger.Int64("species", count))
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d species\n", count)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromEBird, "ebird", false, "Download the taxonomy from the eBird API")
	cmd.Flags().StringVar(&locale, "locale", "", "Common name locale for --ebird, e.g. en or fi")
	return cmd
}

// importEBird downloads the eBird taxonomy and upserts it
func importEBird(ctx context.Context, es conf.EBirdSettings, locale string, store species.Importer, log logger.Logger) (int64, error) {
	client, err := ebird.NewClient(ebird.Config{
		APIKey:  es.APIKey,
		BaseURL: es.BaseURL,
		Timeout: es.Timeout,
	}, httpclient.New(httpclient.Config{DefaultTimeout: es.Timeout}, log.Module("httpclient")), log.Module("ebird"))
	if err != nil {
		return 0, err
	}

	entries, err := client.GetTaxonomy(ctx, locale)
	if err != nil {
		return 0, err
	}
	rows := ebird.ToSpecies(entries)
	if len(rows) == 0 {
		return 0, errors.Newf("eBird returned no species").
			Component("taxonomy").
			Category(errors.CategoryValidation).
			Context("locale", locale).
			Build()
	}
	return store.UpsertSpecies(ctx, rows)
}
