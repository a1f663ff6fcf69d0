package postgis_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/clearmap/pkg/config"
	"github.com/ajitpratap0/clearmap/pkg/models"
	"github.com/ajitpratap0/clearmap/pkg/postgis"
	"github.com/ajitpratap0/clearmap/pkg/testutil"
)

type ExtractIntegrationSuite struct {
	testutil.IntegrationTestSuite

	pool     *pgxpool.Pool
	registry *postgis.Registry
}

func TestExtractIntegration(t *testing.T) {
	suite.Run(t, new(ExtractIntegrationSuite))
}

func (s *ExtractIntegrationSuite) SetupSuite() {
	s.IntegrationTestSuite.SetupSuite()
	ctx := s.Context()

	// One connection, so every relation reuses the same session and its
	// statement cache.
	cfg, err := pgxpool.ParseConfig(s.DSN())
	s.Require().NoError(err)
	cfg.MaxConns = 1
	s.pool, err = pgxpool.NewWithConfig(ctx, cfg)
	s.Require().NoError(err)

	for _, stmt := range []string{
		`CREATE EXTENSION IF NOT EXISTS postgis`,
		`DROP TABLE IF EXISTS public.clearmap_it_wide, public.clearmap_it_narrow`,
		`CREATE TABLE public.clearmap_it_wide (id int, name text, width float8, geom geometry(Point, 4326))`,
		`CREATE TABLE public.clearmap_it_narrow (id int, geom geometry(Point, 4326))`,
		`INSERT INTO public.clearmap_it_wide
			SELECT i, 'road ' || i, CASE WHEN i = 1 THEN 'NaN'::float8 ELSE i END, ST_SetSRID(ST_MakePoint(i, 0), 4326)
			FROM generate_series(1, 25) AS i`,
		`INSERT INTO public.clearmap_it_narrow
			SELECT i, ST_SetSRID(ST_MakePoint(0, i), 4326) FROM generate_series(1, 7) AS i`,
	} {
		_, err := s.pool.Exec(ctx, stmt)
		s.Require().NoError(err, stmt)
	}

	s.registry = postgis.NewRegistry(map[string]config.ConnectionConfig{"it": {}},
		postgis.WithLogger(testutil.TestLogger(s.T())),
		postgis.WithPoolFactory(func(context.Context, string, config.ConnectionConfig) (postgis.Pool, error) {
			return s.pool, nil
		}))
}

func (s *ExtractIntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		_, err := s.pool.Exec(context.Background(), `DROP TABLE IF EXISTS public.clearmap_it_wide, public.clearmap_it_narrow`)
		s.NoError(err)
		s.pool.Close()
	}
	s.IntegrationTestSuite.TearDownSuite()
}

func (s *ExtractIntegrationSuite) TestRelationsOfDifferentShape() {
	wide := models.Relation{Database: "it", Schema: "public", Table: "clearmap_it_wide"}
	narrow := models.Relation{Database: "it", Schema: "public", Table: "clearmap_it_narrow"}
	extractor := postgis.NewExtractor(s.registry, postgis.NewColumnResolver(nil), 10, testutil.TestLogger(s.T()))

	want := map[models.Relation]int{wide: 25, narrow: 7}
	for _, rel := range []models.Relation{wide, narrow, wide} {
		var rows []map[string]interface{}
		stats, err := extractor.Extract(s.Context(), rel, func(_ context.Context, batch models.Batch) error {
			rows = append(rows, batch...)
			return nil
		})
		s.Require().NoError(err, rel.String())
		s.Equal(want[rel], stats.Rows)
		s.Require().Len(rows, want[rel])
		s.Contains(rows[0], postgis.GeoJSONColumn)
		if rel != wide {
			continue
		}
		for _, row := range rows {
			if row["id"] == int32(1) {
				s.Nil(row["width"], "NaN is not representable in JSON")
			}
		}
	}
}
