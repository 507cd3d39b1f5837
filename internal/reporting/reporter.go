// internal/reporting/reporter.go
package reporting

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/xkilldash9x/scalpel-recon/api/schemas"
)

// Input is one batch of report material. Writers accumulate batches until Close.
type Input struct {
	Targets  []schemas.TargetRecord
	Findings []schemas.Finding
}

// Reporter defines the interface for writing scan results to an output.
type Reporter interface {
	// Write adds a batch to the report.
	Write(in Input) error
	// Close renders the report and closes the underlying output.
	Close() error
}

// Formats lists the supported output formats.
var Formats = []string{"json", "sarif"}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// brotliFile compresses into a file and closes both on Close.
type brotliFile struct {
	*brotli.Writer
	f *os.File
}

func (b *brotliFile) Close() error {
	return errors.Join(b.Writer.Close(), b.f.Close())
}

// New creates a reporter for format writing to outputPath. An empty path or
// "stdout" writes to standard output. A path ending in .br is compressed.
func New(format, outputPath, toolVersion string) (Reporter, error) {
	switch format {
	case "json", "sarif":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
		if strings.HasSuffix(outputPath, ".br") {
			writer = &brotliFile{Writer: brotli.NewWriterLevel(f, brotli.DefaultCompression), f: f}
		}
	}

	if format == "sarif" {
		return NewSARIFReporter(writer, toolVersion), nil
	}
	return NewJSONReporter(writer, toolVersion), nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
