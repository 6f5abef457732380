package export

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for written artifacts.
var (
	exportFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_export_files_total",
		Help: "Total files written by sink",
	}, []string{"sink"})

	exportBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_export_bytes_total",
		Help: "Total bytes written by sink",
	}, []string{"sink"})

	exportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ilincs_export_errors_total",
		Help: "Total failed writes by sink",
	}, []string{"sink"})
)

const (
	sinkDir = "dir"
	sinkS3  = "s3"
)

// Sink stores named artifacts. Names are slash separated relative paths
// such as "signature_vectors/LINCSKD_1.csv".
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Compile-time interface checks.
var (
	_ Sink = (*DirSink)(nil)
	_ Sink = (*S3Sink)(nil)
)

// cleanName validates a sink name and returns it in canonical form.
func cleanName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty artifact name")
	}
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("artifact name %q escapes the output root", name)
	}
	return clean, nil
}

// DirSink writes artifacts below a local directory.
type DirSink struct {
	root string
}

// NewDirSink returns a sink rooted at dir. The directory is created on the
// first write.
func NewDirSink(dir string) *DirSink {
	return &DirSink{root: dir}
}

// Root returns the output directory.
func (s *DirSink) Root() string {
	return s.root
}

// Put writes data to root/name, creating parent directories. The file is
// written under a temporary name and renamed into place.
func (s *DirSink) Put(_ context.Context, name string, data []byte) error {
	clean, err := cleanName(name)
	if err != nil {
		return err
	}
	target := filepath.Join(s.root, filepath.FromSlash(clean))

	if err := s.write(target, data); err != nil {
		exportErrorsTotal.WithLabelValues(sinkDir).Inc()
		return fmt.Errorf("write %s: %w", clean, err)
	}

	exportFilesTotal.WithLabelValues(sinkDir).Inc()
	exportBytesTotal.WithLabelValues(sinkDir).Add(float64(len(data)))
	return nil
}

func (s *DirSink) write(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}

// SignatureFileName returns the artifact name of a signature vector table.
// Characters outside [A-Za-z0-9._-] are replaced with '_'.
func SignatureFileName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || strings.Trim(name, ".") == "" {
		name = strings.Repeat("_", max(len(name), 1))
	}
	return path.Join("signature_vectors", name+".csv")
}
