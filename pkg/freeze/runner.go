package freeze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/batch"
	"github.com/Sternrassler/ilincs-freeze/pkg/client"
	"github.com/Sternrassler/ilincs-freeze/pkg/export"
	"github.com/Sternrassler/ilincs-freeze/pkg/logging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for freeze runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_freeze_runs_total",
		Help: "Total freeze runs by outcome (success, failed)",
	}, []string{"outcome"})

	lastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilincs_freeze_last_success_timestamp_seconds",
		Help: "Unix time of the last successful freeze run",
	})

	missingSignatures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ilincs_freeze_missing_signatures",
		Help: "Disease signatures without vectors in the last successful run",
	})
)

// Default run settings.
const (
	DefaultLibrary  = "LIB_1"
	DefaultTopGenes = 100000
)

// Config holds the settings of a freeze run.
type Config struct {
	// Library selects the disease signatures by libraryid.
	Library string

	// TopGenes is requested per signature (noOfTopGenes).
	TopGenes int

	// Display is passed to the download endpoint.
	Display bool

	// Batch controls retrieval. TopN and Display are taken from TopGenes
	// and Display.
	Batch batch.Options
}

// DefaultConfig returns the reference run settings.
func DefaultConfig() Config {
	return Config{
		Library:  DefaultLibrary,
		TopGenes: DefaultTopGenes,
		Display:  true,
		Batch:    batch.DefaultOptions(DefaultTopGenes, true),
	}
}

// Source provides the iLINCS data. *client.Client implements it.
type Source interface {
	GetSignatures(ctx context.Context) ([]client.Record, error)
	GetDatasets(ctx context.Context) ([]client.Record, error)
	GetGenes(ctx context.Context) ([]client.Record, error)
	GetCompounds(ctx context.Context) ([]client.Record, error)
	batch.SignatureFetcher
}

var _ Source = (*client.Client)(nil)

// Runner executes freeze runs.
type Runner struct {
	source Source
	sink   export.Sink
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewRunner creates a runner writing to sink.
func NewRunner(source Source, sink export.Sink, cfg Config) (*Runner, error) {
	if source == nil {
		return nil, errors.New("source is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.Library == "" {
		return nil, errors.New("library is required")
	}

	cfg.Batch.TopN = cfg.TopGenes
	cfg.Batch.Display = cfg.Display
	if err := cfg.Batch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid batch options: %w", err)
	}

	return &Runner{
		source: source,
		sink:   sink,
		config: cfg,
		logger: logging.NewLogger("freeze"),
		now:    time.Now,
	}, nil
}

// collection is one metadata table of the snapshot.
type collection struct {
	name    string
	file    string
	get     func(context.Context) ([]client.Record, error)
	records []client.Record
}

// Run performs one freeze run and returns its manifest.
func (r *Runner) Run(ctx context.Context) (*Manifest, error) {
	m := &Manifest{
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
		Library:   r.config.Library,
		TopGenes:  r.config.TopGenes,
		Display:   r.config.Display,
	}
	logger := r.logger.With().Str("run_id", m.RunID).Logger()

	logger.Info().
		Str("library", r.config.Library).
		Int("top_genes", r.config.TopGenes).
		Msg("Starting freeze run")

	manifest, err := r.run(ctx, logger, m)
	if err != nil {
		runsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("Freeze run failed")
		return nil, err
	}

	runsTotal.WithLabelValues("success").Inc()
	lastSuccess.Set(float64(manifest.FinishedAt.Unix()))
	missingSignatures.Set(float64(len(manifest.MissingSignatures)))
	return manifest, nil
}

func (r *Runner) run(ctx context.Context, logger zerolog.Logger, m *Manifest) (*Manifest, error) {
	collections := []*collection{
		{name: "signatures", file: "signatures.csv", get: r.source.GetSignatures},
		{name: "datasets", file: "datasets.csv", get: r.source.GetDatasets},
		{name: "genes", file: "genes.csv", get: r.source.GetGenes},
		{name: "compounds", file: "compounds.csv", get: r.source.GetCompounds},
	}

	for _, c := range collections {
		records, err := c.get(ctx)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", c.name, err)
		}
		c.records = records
		logger.Info().Str("collection", c.name).Int("records", len(records)).Msg("Retrieved collection")
	}
	m.Signatures = len(collections[0].records)
	m.Datasets = len(collections[1].records)
	m.Genes = len(collections[2].records)
	m.Compounds = len(collections[3].records)

	ids := SelectSignatureIDs(collections[0].records, r.config.Library)
	m.DiseaseSignatures = len(ids)
	logger.Info().Int("disease_signatures", len(ids)).Msg("Selected disease signatures")

	retriever, err := batch.NewRetriever(r.source, r.config.Batch)
	if err != nil {
		return nil, err
	}
	agg, err := retriever.Retrieve(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieve signature vectors: %w", err)
	}
	m.Batch = retriever.Stats()
	m.RetrievedSignatures = agg.Len()
	m.VectorRecords = agg.Count()
	m.MissingSignatures = agg.Missing(ids)
	if m.MissingSignatures == nil {
		m.MissingSignatures = []string{}
	}

	for _, c := range collections {
		if err := r.putCSV(ctx, m, c.file, c.records); err != nil {
			return nil, err
		}
	}
	vectorIDs := agg.IDs()
	m.VectorFiles = VectorFileNames(vectorIDs)
	for _, id := range vectorIDs {
		if err := r.putCSV(ctx, m, m.VectorFiles[id], agg.Records(id)); err != nil {
			return nil, err
		}
	}

	if len(m.MissingSignatures) > 0 {
		logger.Warn().
			Int("missing", len(m.MissingSignatures)).
			Strs("signatures", m.MissingSignatures).
			Msg("Signature vectors missing after retrieval")
	}

	m.FinishedAt = r.now().UTC()
	m.Files = append(m.Files, ManifestName)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := r.sink.Put(ctx, ManifestName, append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	logger.Info().
		Int("retrieved", m.RetrievedSignatures).
		Int("missing", len(m.MissingSignatures)).
		Int("files", len(m.Files)).
		Dur("duration", m.Duration()).
		Msg("Freeze run complete")
	return m, nil
}

func (r *Runner) putCSV(ctx context.Context, m *Manifest, name string, records []client.Record) error {
	data, err := export.EncodeCSV(records)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := r.sink.Put(ctx, name, data); err != nil {
		return err
	}
	m.Files = append(m.Files, name)
	r.logger.Debug().Str("file", name).Int("records", len(records)).Msg("Wrote artifact")
	return nil
}
