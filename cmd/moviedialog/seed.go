package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/seed"
	"github.com/flexigpt/moviedialog-go/sqlretriever"
)

var seedCmd = &cobra.Command{
	Use:   "seed [catalogue.yaml]",
	Short: "Import a YAML movie catalogue into the SQLite catalogue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Catalog.SeedFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return errors.New("no seed file: pass one or set catalog.seed_file")
		}

		c, err := seed.LoadFile(cmd.Context(), path)
		if err != nil {
			return err
		}
		r, err := sqlretriever.Open(cmd.Context(), cfg.Catalog.DSN, sqlretriever.WithLogger(logger.Named("catalogue")))
		if err != nil {
			return err
		}
		defer r.Close()

		n, err := r.Import(cmd.Context(), c)
		if err != nil {
			return err
		}
		total, err := r.Count(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("seeded", zap.String("file", path), zap.Int("imported", n), zap.Int("total", total))
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d movies (%d in catalogue)\n", n, total)
		return nil
	},
}
