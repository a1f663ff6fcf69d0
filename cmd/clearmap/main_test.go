package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/clearmap/pkg/models"
	"github.com/ajitpratap0/clearmap/pkg/postgis"
)

const testConfig = `
relations: ["gis::public::roads", "gis::public::rivers"]
connections:
  gis:
    host: localhost
output:
  dir: /srv/tiles
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clearmap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, testConfig)

	t.Run("file values", func(t *testing.T) {
		v := newViper()
		v.Set("config", path)

		cfg, err := loadConfig(v)
		require.NoError(t, err)
		assert.Equal(t, 1000, cfg.FetchSize)
		assert.Equal(t, "/srv/tiles", cfg.Output.Dir)
		assert.Equal(t, 5432, cfg.Connections["gis"].Port)
	})

	t.Run("flags and environment override the file", func(t *testing.T) {
		t.Setenv("CLEARMAP_OUTPUT_DIR", "/tmp/tiles")
		t.Setenv("CLEARMAP_METRICS_ADDR", ":9191")

		root := newRootCmd()
		run, _, err := root.Find([]string{"run"})
		require.NoError(t, err)

		v := newViper()
		flags := root.PersistentFlags()
		mustBindPFlag(v, "config", flags.Lookup("config"))
		mustBindPFlag(v, "fetch_size", flags.Lookup("fetch-size"))
		mustBindPFlag(v, "tippecanoe.path", run.Flags().Lookup("tippecanoe"))
		require.NoError(t, flags.Set("config", path))
		require.NoError(t, flags.Set("fetch-size", "250"))
		require.NoError(t, run.Flags().Set("tippecanoe", "/opt/bin/tippecanoe"))

		cfg, err := loadConfig(v)
		require.NoError(t, err)
		assert.Equal(t, 250, cfg.FetchSize)
		assert.Equal(t, "/opt/bin/tippecanoe", cfg.Tippecanoe.Path)
		assert.Equal(t, "/tmp/tiles", cfg.Output.Dir)
		assert.Equal(t, ":9191", cfg.Metrics.Addr)
	})

	t.Run("invalid override fails validation", func(t *testing.T) {
		t.Setenv("CLEARMAP_FETCH_SIZE", "-1")
		v := newViper()
		v.Set("config", path)

		_, err := loadConfig(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fetch_size")
	})

	t.Run("missing file", func(t *testing.T) {
		v := newViper()
		v.Set("config", filepath.Join(t.TempDir(), "missing.yaml"))
		_, err := loadConfig(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration error")
	})
}

func TestLockOutputDir(t *testing.T) {
	dir := t.TempDir()

	unlock, err := lockOutputDir(dir)
	require.NoError(t, err)

	_, err = lockOutputDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another production holds")

	unlock()
	unlock, err = lockOutputDir(dir)
	require.NoError(t, err)
	unlock()
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "clearmap v"+version)
}

func TestPrintDescription(t *testing.T) {
	var out bytes.Buffer
	d := &postgis.Description{
		Relation: models.Relation{Database: "gis", Schema: "public", Table: "roads"},
		Columns:  postgis.ColumnSet{`"id"`, `ST_AsGeoJSON("public"."roads"."geom") AS st_asgeojson`},
		Query:    `SELECT "id", ST_AsGeoJSON("public"."roads"."geom") AS st_asgeojson FROM "public"."roads"`,
		Sample:   models.Row{"id": 1},
	}
	require.NoError(t, printDescription(&out, d))
	assert.Contains(t, out.String(), "gis::public::roads\n")
	assert.Contains(t, out.String(), `sample:  {"id":1}`)

	out.Reset()
	d.Sample = nil
	require.NoError(t, printDescription(&out, d))
	assert.Contains(t, out.String(), "(empty relation)")
}
