package microservice

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/finchlt/cosmos/errors"
)

// ExceptionWriter persists unexpected connection failures. The supervisor
// deduplicates by (category, message) before calling Write.
type ExceptionWriter interface {
	Write(category, interfaceName string, err error) error
}

// FileExceptionWriter writes one report file per call into a directory
type FileExceptionWriter struct {
	dir string
}

// NewFileExceptionWriter creates the directory if needed
func NewFileExceptionWriter(dir string) (*FileExceptionWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "FileExceptionWriter", "New", "create directory")
	}
	return &FileExceptionWriter{dir: dir}, nil
}

// Write persists one exception report
func (w *FileExceptionWriter) Write(category, interfaceName string, err error) error {
	name := fmt.Sprintf("%s_%s_%s.txt", interfaceName, category, uuid.NewString()[:8])
	path := filepath.Join(w.dir, name)

	content := fmt.Sprintf("time: %s\ninterface: %s\ncategory: %s\nerror: %v\n",
		time.Now().UTC().Format(time.RFC3339Nano), interfaceName, category, err)

	if writeErr := os.WriteFile(path, []byte(content), 0o644); writeErr != nil {
		return errors.Wrap(writeErr, "FileExceptionWriter", "Write", "write report")
	}
	return nil
}
