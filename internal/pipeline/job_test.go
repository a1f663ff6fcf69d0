package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/clearmap/pkg/clearmaperrors"
	"github.com/ajitpratap0/clearmap/pkg/config"
	cmjson "github.com/ajitpratap0/clearmap/pkg/json"
	"github.com/ajitpratap0/clearmap/pkg/metrics"
	"github.com/ajitpratap0/clearmap/pkg/models"
	"github.com/ajitpratap0/clearmap/pkg/modify"
	"github.com/ajitpratap0/clearmap/pkg/postgis"
	"github.com/ajitpratap0/clearmap/pkg/postgis/postgistest"
	"github.com/ajitpratap0/clearmap/pkg/testutil"
)

var rivers = models.Relation{Database: "gis", Schema: "public", Table: "rivers"}

type recordingPublisher struct {
	published []string
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, jobKey, path string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, jobKey+"="+path)
	return nil
}

func newTestBuilder(t *testing.T, ext Extractor, launcher Launcher, strict bool) *Builder {
	t.Helper()
	return NewBuilder(
		BuilderConfig{Relations: []models.Relation{roads, rivers}, StrictExitStatus: strict},
		ext, NewFeatureTransformer(nil), launcher, nil, testutil.TestLogger(t))
}

func TestBuilderRunFinalizesArtifact(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	ext := &scriptedExtractor{batches: map[string][]models.Batch{
		"roads":  {pointRows(3), pointRows(2)},
		"rivers": {pointRows(4)},
	}}
	launcher := &memoryLauncher{}
	pub := &recordingPublisher{}
	b := NewBuilder(BuilderConfig{Relations: []models.Relation{roads, rivers}},
		ext, NewFeatureTransformer(nil), launcher, pub, testutil.TestLogger(t))

	job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
	require.NoError(t, b.Run(ctx, job, 1))

	assert.Equal(t, models.JobStateDone, job.State())
	assert.Equal(t, []string{"roads", "rivers"}, ext.Calls(), "relations run in order")
	assert.NoFileExists(t, job.TempPath)
	assert.FileExists(t, job.FinalPath)
	assert.Equal(t, []string{"0-0-0=" + job.FinalPath}, pub.published)

	require.Len(t, launcher.sinks, 1)
	sink := launcher.sinks[0]
	assert.True(t, sink.ended)
	frames := sink.Frames()
	require.Len(t, frames, 9)
	assert.Contains(t, string(frames[0]), `"_table":"roads"`)
	assert.Contains(t, string(frames[8]), `"_table":"rivers"`)
	assert.NotContains(t, string(frames[0]), "st_asgeojson")
}

func TestBuilderExitStatus(t *testing.T) {
	tests := []struct {
		name      string
		strict    bool
		wantErr   bool
		wantFinal bool
	}{
		{name: "non-zero exit is finalized by default", strict: false, wantFinal: true},
		{name: "strict mode fails non-zero exit", strict: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := testutil.TestContext(t)
			defer cancel()

			ext := &scriptedExtractor{batches: map[string][]models.Batch{"roads": {pointRows(1)}}}
			launcher := &memoryLauncher{status: ExitStatus{Code: 1}}
			b := newTestBuilder(t, ext, launcher, tt.strict)

			job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
			err := b.Run(ctx, job, 1)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, clearmaperrors.IsType(err, clearmaperrors.ErrorTypeProcess))
				assert.Equal(t, models.JobStateFailed, job.State())
			} else {
				require.NoError(t, err)
				assert.Equal(t, models.JobStateDone, job.State())
			}
			if tt.wantFinal {
				assert.FileExists(t, job.FinalPath)
			} else {
				assert.NoFileExists(t, job.FinalPath)
			}
			assert.NoFileExists(t, job.TempPath)
		})
	}
}

func TestBuilderSecondRelationFailure(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	queryErr := clearmaperrors.New(clearmaperrors.ErrorTypeQuery, "relation does not exist")
	ext := &scriptedExtractor{
		batches: map[string][]models.Batch{"roads": {pointRows(5)}},
		fail:    map[string]error{"rivers": queryErr},
	}
	launcher := &memoryLauncher{}
	b := newTestBuilder(t, ext, launcher, false)

	job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
	err := b.Run(ctx, job, 1)
	require.Error(t, err)
	assert.True(t, clearmaperrors.IsType(err, clearmaperrors.ErrorTypeQuery))
	assert.Equal(t, "0-0-0", clearmaperrors.DetailsOf(err)["job_key"])
	assert.Equal(t, models.JobStateFailed, job.State())

	// input was still closed so the process could exit, and nothing was
	// published from the partial output
	assert.True(t, launcher.sinks[0].ended)
	assert.NoFileExists(t, job.TempPath)
	assert.NoFileExists(t, job.FinalPath)
}

func TestBuilderFailures(t *testing.T) {
	tests := []struct {
		name     string
		launcher *memoryLauncher
		wantType clearmaperrors.ErrorType
	}{
		{
			name:     "launch fails",
			launcher: &memoryLauncher{launchErr: clearmaperrors.New(clearmaperrors.ErrorTypeProcess, "exec: not found")},
			wantType: clearmaperrors.ErrorTypeProcess,
		},
		{
			name:     "process is never reaped",
			launcher: &memoryLauncher{waitErr: context.DeadlineExceeded},
			wantType: clearmaperrors.ErrorTypeProcess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := testutil.TestContext(t)
			defer cancel()

			b := newTestBuilder(t, &scriptedExtractor{}, tt.launcher, false)
			job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
			err := b.Run(ctx, job, 1)
			require.Error(t, err)
			assert.True(t, clearmaperrors.IsType(err, tt.wantType))
			assert.Equal(t, models.JobStateFailed, job.State())
			assert.NoFileExists(t, job.TempPath)
			assert.NoFileExists(t, job.FinalPath)
		})
	}
}

func TestBuilderPublishFailureFailsAttempt(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	pub := &recordingPublisher{err: clearmaperrors.New(clearmaperrors.ErrorTypePublish, "access denied")}
	b := NewBuilder(BuilderConfig{Relations: []models.Relation{roads}},
		&scriptedExtractor{}, NewFeatureTransformer(nil), &memoryLauncher{}, pub, nil)

	job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
	err := b.Run(ctx, job, 1)
	require.Error(t, err)
	assert.True(t, clearmaperrors.IsType(err, clearmaperrors.ErrorTypePublish))
}

// TestJobRetryRerunsCommittedRelations drives the real extractor over the
// fake database: the second relation fails on the first attempt, after the
// first relation committed, and the retry streams both again in full.
func TestJobRetryRerunsCommittedRelations(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	db := postgistest.NewDB()
	db.AddTable("public", "roads", &postgistest.Table{
		Columns: []string{"id", "geom"},
		Rows: []map[string]interface{}{
			{"id": 1, "st_asgeojson": `{"type":"Point","coordinates":[0,0]}`},
			{"id": 2, "st_asgeojson": `{"type":"Point","coordinates":[1,1]}`},
		},
	})
	riversTable := &postgistest.Table{
		Columns:    []string{"id", "geom"},
		Rows:       []map[string]interface{}{{"id": 7, "st_asgeojson": nil}},
		CatalogErr: errors.New(`relation "public.rivers" does not exist`),
	}
	db.AddTable("public", "rivers", riversTable)

	registry := postgis.NewRegistry(map[string]config.ConnectionConfig{"gis": {}},
		postgis.WithPoolFactory(func(context.Context, string, config.ConnectionConfig) (postgis.Pool, error) {
			return db, nil
		}))
	extractor := postgis.NewExtractor(registry, postgis.NewColumnResolver(nil), 1, testutil.TestLogger(t))
	launcher := &memoryLauncher{}
	b := newTestBuilder(t, extractor, launcher, false)

	run := func(ctx context.Context, job *models.TileJob, attempt int) error {
		if attempt == 2 {
			riversTable.CatalogErr = nil
		}
		return b.Run(ctx, job, attempt)
	}
	producer := NewProducer(run, RetryPolicy{MaxRetries: 3}, registry, testutil.TestLogger(t))

	job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
	require.NoError(t, producer.Run(ctx, []*models.TileJob{job}))

	assert.Equal(t, models.JobStateDone, job.State())
	require.Equal(t, 2, launcher.Launches())
	assert.Len(t, launcher.sinks[0].Frames(), 2, "first attempt streamed roads only")
	assert.Len(t, launcher.sinks[1].Frames(), 3, "retry streamed roads again, then rivers")

	s := db.Stats()
	assert.Equal(t, 4, s.Begins)
	assert.Equal(t, 3, s.Commits, "roads twice, rivers once")
	assert.Equal(t, 1, s.Rollbacks, "failed rivers attempt rolled back")
	assert.Equal(t, 0, s.OpenTx)
	assert.Zero(t, s.CachedFetches)
	assert.True(t, db.Closed(), "registry closed after drain")

	data, err := os.ReadFile(job.FinalPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"_table":"rivers"`)
	assert.NoFileExists(t, job.TempPath)
}

func TestBuilderCountsOnlyEmittedFeatures(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	lakes := models.Relation{Database: "gis", Schema: "public", Table: "lakes_emitted"}
	ext := &scriptedExtractor{batches: map[string][]models.Batch{lakes.Table: {pointRows(4), pointRows(2)}}}
	dropOdd := modify.ModifierFunc(func(f *models.Feature) *models.Feature {
		if f.Properties["id"].(int)%2 == 1 {
			return nil
		}
		return f
	})
	launcher := &memoryLauncher{}
	b := NewBuilder(BuilderConfig{Relations: []models.Relation{lakes}},
		ext, NewFeatureTransformer(dropOdd), launcher, nil, testutil.TestLogger(t))

	emitted := metrics.FeaturesEmitted.WithLabelValues(lakes.Database, lakes.Table)
	before := promtest.ToFloat64(emitted)

	job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
	require.NoError(t, b.Run(ctx, job, 1))

	require.Len(t, launcher.sinks[0].Frames(), 3)
	assert.Equal(t, 3.0, promtest.ToFloat64(emitted)-before, "dropped features are not counted")
}

func TestBuilderLogsCarryJobKey(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	core, logs := observer.New(zapcore.DebugLevel)
	ext := &scriptedExtractor{batches: map[string][]models.Batch{"roads": {pointRows(1)}}}
	b := NewBuilder(BuilderConfig{Relations: []models.Relation{roads}},
		ext, NewFeatureTransformer(nil), &memoryLauncher{}, nil, zap.New(core))

	job := models.NewTileJob("4-8-5", t.TempDir(), "pmtiles")
	require.NoError(t, b.Run(ctx, job, 2))

	finished := logs.FilterMessage("job finished").All()
	require.Len(t, finished, 1)
	assert.Equal(t, "4-8-5", finished[0].ContextMap()["job_key"])
	assert.Equal(t, int64(2), finished[0].ContextMap()["attempt"])
}

func TestBuilderEncodesNonFiniteValuesAsNull(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	db := postgistest.NewDB()
	db.AddTable("public", "roads", &postgistest.Table{
		Columns: []string{"id", "width", "geom"},
		Rows: []map[string]interface{}{
			{"id": 1, "width": math.NaN(), "st_asgeojson": `{"type":"Point","coordinates":[0,0]}`},
			{"id": 2, "width": math.Inf(1), "st_asgeojson": `{"type":"Point","coordinates":[1,1]}`},
			{"id": 3, "width": 2.5, "st_asgeojson": `{"type":"Point","coordinates":[2,2]}`},
		},
	})
	registry := postgis.NewRegistry(map[string]config.ConnectionConfig{"gis": {}},
		postgis.WithPoolFactory(func(context.Context, string, config.ConnectionConfig) (postgis.Pool, error) {
			return db, nil
		}))
	defer registry.Close()

	extractor := postgis.NewExtractor(registry, postgis.NewColumnResolver(nil), 10, testutil.TestLogger(t))
	launcher := &memoryLauncher{}
	b := NewBuilder(BuilderConfig{Relations: []models.Relation{roads}},
		extractor, NewFeatureTransformer(nil), launcher, nil, testutil.TestLogger(t))

	job := models.NewTileJob("0-0-0", t.TempDir(), "pmtiles")
	require.NoError(t, b.Run(ctx, job, 1))

	frames := launcher.sinks[0].Frames()
	require.Len(t, frames, 3)
	widths := make([]interface{}, 0, len(frames))
	for _, frame := range frames {
		var f struct {
			Properties map[string]interface{} `json:"properties"`
		}
		require.NoError(t, cmjson.Unmarshal(frame[1:], &f))
		require.Contains(t, f.Properties, "width")
		widths = append(widths, f.Properties["width"])
	}
	assert.Equal(t, []interface{}{nil, nil, 2.5}, widths)
}
