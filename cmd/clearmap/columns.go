package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	cmjson "github.com/ajitpratap0/clearmap/pkg/json"
	"github.com/ajitpratap0/clearmap/pkg/postgis"
)

func newColumnsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "columns",
		Short: "Show the columns and a sample row of every configured relation",
		Long: `Columns resolves the select list of every configured relation exactly as a
production would and fetches one row through the same cursor. Nothing is
built and no transaction is committed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			log, err := initLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			relations, err := cfg.ParsedRelations()
			if err != nil {
				return err
			}

			registry := postgis.NewRegistry(cfg.Connections, postgis.WithLogger(log))
			defer registry.Close()
			extractor := postgis.NewExtractor(registry, postgis.NewColumnResolver(cfg.ComputedColumns), cfg.FetchSize, log)

			failed := 0
			for _, rel := range relations {
				d, err := extractor.Describe(cmd.Context(), rel)
				if err != nil {
					failed++
					log.Error("failed to describe relation", zap.String("relation", rel.String()), zap.Error(err))
					continue
				}
				if err := printDescription(cmd.OutOrStdout(), d); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d relations could not be described", failed, len(relations))
			}
			return nil
		},
	}
}

func printDescription(w io.Writer, d *postgis.Description) error {
	sample := "(empty relation)"
	if d.Sample != nil {
		raw, err := cmjson.Marshal(d.Sample)
		if err != nil {
			return fmt.Errorf("failed to encode sample row: %w", err)
		}
		sample = string(raw)
	}
	_, err := fmt.Fprintf(w, "%s\n  columns: %s\n  query:   %s\n  sample:  %s\n\n",
		d.Relation, strings.Join(d.Columns, ", "), d.Query, sample)
	return err
}
