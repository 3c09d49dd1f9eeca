// Package testutil provides shared test infrastructure: deterministic model
// bundle fixtures, and a Postgres container with pgvector for storage
// integration tests.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gopkg.in/yaml.v3"

	"github.com/lucent-health/prism/internal/bundle"
	"github.com/lucent-health/prism/internal/storage"
	"github.com/lucent-health/prism/migrations"
)

// Findings is the fixture finding list, in head row order.
var Findings = []string{
	"pneumonia",
	"pneumothorax",
	"pleural_effusion",
	"cardiomegaly",
	"consolidation",
	"pulmonary_edema",
	"mass_nodule",
	"fracture",
}

// TabularFeatures is the fixture structured schema, in feature order.
var TabularFeatures = []string{
	"age",
	"temperature_c",
	"heart_rate",
	"systolic_bp",
	"diastolic_bp",
	"respiratory_rate",
	"oxygen_saturation",
	"wbc",
	"crp",
	"d_dimer",
	"lactate",
	"bnp",
}

// Fixture tensor shape: 1x8x8 image pooled on a 2x2 grid, 4-dim embeddings
// per modality, 6-dim joint space. Small enough that tests computing exact
// expectations stay readable.
const (
	FixtureChannels  = 1
	FixtureHeight    = 8
	FixtureWidth     = 8
	FixtureGrid      = 2
	FixtureEmbedDim  = 4
	FixtureJointDim  = 6
	FixtureVocabSize = 32
	FixtureTokenDim  = 4
	FixtureMaxTokens = 16
)

// BundleOption tweaks a fixture bundle before it is written.
type BundleOption func(*bundle.Manifest, *bundle.Weights)

// WithUncertainty sets the estimation strategy.
func WithUncertainty(spec bundle.UncertaintySpec) BundleOption {
	return func(m *bundle.Manifest, _ *bundle.Weights) { m.Uncertainty = spec }
}

// WithCalibration sets one finding's fitted transform.
func WithCalibration(finding string, spec bundle.CalibrationSpec) BundleOption {
	return func(m *bundle.Manifest, _ *bundle.Weights) {
		if m.Calibration == nil {
			m.Calibration = map[string]bundle.CalibrationSpec{}
		}
		m.Calibration[finding] = spec
	}
}

// WithGatedFusion switches the bundle to the gated fusion kind.
func WithGatedFusion(gates [3]float32) BundleOption {
	return func(m *bundle.Manifest, w *bundle.Weights) {
		m.Fusion.Kind = bundle.FusionGated
		w.Gates = gates[:]
	}
}

// WithHeads replaces the single head with k deterministic heads.
func WithHeads(k int) BundleOption {
	return func(m *bundle.Manifest, w *bundle.Weights) {
		seed := hashSeed(m.Version)
		w.Heads = make([]bundle.Projection, k)
		for i := range w.Heads {
			w.Heads[i] = genProjection(seed+uint64(100+i), len(m.Findings), m.JointDim)
		}
	}
}

// WithoutImage drops the image modality from the bundle.
func WithoutImage() BundleOption {
	return func(m *bundle.Manifest, w *bundle.Weights) {
		m.Modalities.Image = nil
		w.ImageProj = nil
		rebuildFusion(m, w)
	}
}

// WriteBundle writes a complete, valid fixture bundle directory under dir
// and returns its path. Weights are deterministic in the version name, so
// two calls with the same version produce byte-identical bundles.
func WriteBundle(t testing.TB, dir, version string, opts ...BundleOption) string {
	t.Helper()

	m, w := FixtureBundle(version)
	for _, opt := range opts {
		opt(&m, &w)
	}

	path := filepath.Join(dir, version)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("fixture bundle: mkdir: %v", err)
	}

	weightBytes, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("fixture bundle: marshal weights: %v", err)
	}
	m.WeightsSHA256 = bundle.HashWeights(weightBytes)

	manifestBytes, err := yaml.Marshal(m)
	if err != nil {
		t.Fatalf("fixture bundle: marshal manifest: %v", err)
	}

	// Manifest first, weights last: the publication order the bundle watcher
	// relies on.
	if err := os.WriteFile(filepath.Join(path, bundle.ManifestFile), manifestBytes, 0o644); err != nil {
		t.Fatalf("fixture bundle: write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, bundle.WeightsFile), weightBytes, 0o644); err != nil {
		t.Fatalf("fixture bundle: write weights: %v", err)
	}
	return path
}

// FixtureBundle returns the in-memory manifest and weights of a fixture
// version, before any option is applied. The digest field is left empty;
// WriteBundle pins it.
func FixtureBundle(version string) (bundle.Manifest, bundle.Weights) {
	seed := hashSeed(version)
	pooled := FixtureChannels * FixtureGrid * FixtureGrid

	m := bundle.Manifest{
		Version:   version,
		CreatedAt: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Findings:  append([]string(nil), Findings...),
		Modalities: bundle.ModalitySpecs{
			Image: &bundle.ImageSpec{
				Channels:     FixtureChannels,
				Height:       FixtureHeight,
				Width:        FixtureWidth,
				GridHeight:   FixtureGrid,
				GridWidth:    FixtureGrid,
				EmbeddingDim: FixtureEmbedDim,
			},
			Tabular: &bundle.TabularSpec{
				Features:     append([]string(nil), TabularFeatures...),
				EmbeddingDim: FixtureEmbedDim,
			},
			Text: &bundle.TextSpec{
				VocabSize:    FixtureVocabSize,
				TokenDim:     FixtureTokenDim,
				EmbeddingDim: FixtureEmbedDim,
				MaxTokens:    FixtureMaxTokens,
			},
		},
		JointDim: FixtureJointDim,
		Fusion:   bundle.FusionSpec{Kind: bundle.FusionConcat},
	}

	w := bundle.Weights{
		ImageProj:       ptr(genProjection(seed+1, FixtureEmbedDim, pooled)),
		TabularProj:     ptr(genProjection(seed+2, FixtureEmbedDim, len(TabularFeatures))),
		TabularBaseline: genValues(seed+3, len(TabularFeatures)),
		TextTable:       genValues(seed+4, FixtureVocabSize*FixtureTokenDim),
		TextProj:        ptr(genProjection(seed+5, FixtureEmbedDim, FixtureTokenDim)),
		Heads:           []bundle.Projection{genProjection(seed+100, len(Findings), FixtureJointDim)},
	}
	rebuildFusion(&m, &w)
	return m, w
}

// rebuildFusion regenerates the fusion projection to match the currently
// declared modalities.
func rebuildFusion(m *bundle.Manifest, w *bundle.Weights) {
	concatDim := 0
	if m.Modalities.Image != nil {
		concatDim += m.Modalities.Image.EmbeddingDim
	}
	if m.Modalities.Tabular != nil {
		concatDim += m.Modalities.Tabular.EmbeddingDim
	}
	if m.Modalities.Text != nil {
		concatDim += m.Modalities.Text.EmbeddingDim
	}
	w.FusionProj = ptr(genProjection(hashSeed(m.Version)+6, m.JointDim, concatDim+3))
}

func ptr(p bundle.Projection) *bundle.Projection { return &p }

func hashSeed(version string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(version))
	return h.Sum64()
}

// genValues emits a deterministic pseudo-random sequence in (-0.1, 0.1),
// small enough to keep head logits near zero and sigmoids well-conditioned.
func genValues(seed uint64, n int) []float32 {
	vals := make([]float32, n)
	s := seed
	for i := range vals {
		s = s*6364136223846793005 + 1442695040888963407
		vals[i] = float32(int64(s>>33)%1000-500) / 5000.0
	}
	return vals
}

func genProjection(seed uint64, rows, cols int) bundle.Projection {
	return bundle.Projection{
		W:    genValues(seed, rows*cols),
		B:    genValues(seed+7, rows),
		Rows: rows,
		Cols: cols,
	}
}

// TestContainer wraps a testcontainers container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container with the pgvector extension
// pre-created. Calls os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "prism",
			"POSTGRES_PASSWORD": "prism",
			"POSTGRES_DB":       "prism",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container host: %v\n", err)
		os.Exit(1)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://prism:prism@%s:%s/prism?sslmode=disable", host, port.Port())

	// Bootstrap the extension before any pool is created so pgvector types
	// get registered on the pool's AfterConnect hook.
	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to create vector extension: %v\n", err)
		os.Exit(1)
	}
	_ = bootstrapConn.Close(ctx)

	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
