package freeze

import (
	"time"

	"github.com/Sternrassler/ilincs-freeze/pkg/batch"
)

// ManifestName is the artifact name of the run manifest.
const ManifestName = "manifest.json"

// Manifest describes a completed freeze run.
type Manifest struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Library  string `json:"library"`
	TopGenes int    `json:"top_genes"`
	Display  bool   `json:"display"`

	Signatures int `json:"signatures"`
	Datasets   int `json:"datasets"`
	Genes      int `json:"genes"`
	Compounds  int `json:"compounds"`

	DiseaseSignatures   int      `json:"disease_signatures"`
	RetrievedSignatures int      `json:"retrieved_signatures"`
	MissingSignatures   []string `json:"missing_signatures"`
	VectorRecords       int      `json:"vector_records"`

	Batch batch.Stats `json:"batch"`
	Files []string    `json:"files"`

	// VectorFiles maps each retrieved signature ID to its artifact name.
	VectorFiles map[string]string `json:"vector_files"`
}

// Complete reports whether every disease signature was retrieved.
func (m *Manifest) Complete() bool {
	return len(m.MissingSignatures) == 0
}

// Duration returns the wall time of the run.
func (m *Manifest) Duration() time.Duration {
	return m.FinishedAt.Sub(m.StartedAt)
}
