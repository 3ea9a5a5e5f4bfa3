// Package ingest validates uploaded snapshot files and commits them to storage.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-file-service/internal/columnar"
	"github.com/kjstillabower/weather-file-service/internal/observability"
	"github.com/kjstillabower/weather-file-service/internal/snapshot"
	"github.com/kjstillabower/weather-file-service/internal/storage"
)

var (
	ErrTooLarge        = errors.New("upload exceeds maximum size")
	ErrBadContentType  = errors.New("content type must be multipart/form-data")
	ErrBadName         = errors.New("invalid snapshot file name")
	ErrNotAParquetFile = errors.New("payload is not a parquet file")
	ErrMissingFile     = errors.New("multipart body has no file part")
)

// IngestError reports why an upload of Name was rejected or failed. Err wraps
// one of the package sentinels, or a storage error for commit failures.
type IngestError struct {
	Name string
	Err  error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %q: %v", e.Name, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Store is the subset of the storage backend used to commit uploads.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader) error
	Stat(ctx context.Context, name string) (storage.Info, error)
}

// Refresher makes committed files visible to queries. Invalidate drops results
// derived from a file whose content changed under the same name.
type Refresher interface {
	Refresh(ctx context.Context) error
	Invalidate()
}

// Ingester is safe for concurrent use.
type Ingester struct {
	store     Store
	refresher Refresher
	maxBytes  int64
	logger    *zap.Logger
}

// New returns an Ingester accepting payloads of at most maxBytes.
func New(store Store, refresher Refresher, maxBytes int64, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{store: store, refresher: refresher, maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the payload size cap.
func (i *Ingester) MaxBytes() int64 { return i.maxBytes }

// Ingest validates the multipart body and commits its first file part as
// targetName. Plain form fields are skipped. Every validation runs before any byte reaches storage.
func (i *Ingester) Ingest(ctx context.Context, targetName, contentType string, body io.Reader) error {
	payload, err := i.validate(targetName, contentType, body)
	if err != nil {
		observability.RecordUpload(resultLabel(err), 0)
		return &IngestError{Name: targetName, Err: err}
	}

	overwrite := false
	if _, err := i.store.Stat(ctx, targetName); err == nil {
		overwrite = true
	}

	if err := i.store.Put(ctx, targetName, bytes.NewReader(payload)); err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			err = fmt.Errorf("%w: %v", ErrTooLarge, err)
		}
		observability.RecordUpload(resultLabel(err), 0)
		return &IngestError{Name: targetName, Err: err}
	}
	observability.RecordUpload("ok", int64(len(payload)))

	logger := i.requestLogger(ctx)
	fields := []zap.Field{zap.String("name", targetName), zap.Int("bytes", len(payload))}
	if info, err := columnar.Inspect(bytes.NewReader(payload), int64(len(payload))); err != nil {
		logger.Warn("snapshot footer unreadable", zap.String("name", targetName), zap.Error(err))
	} else {
		fields = append(fields, zap.Int64("rows", info.NumRows))
	}
	if overwrite {
		logger.Warn("snapshot overwritten", fields...)
	} else {
		logger.Info("snapshot committed", fields...)
	}

	if err := i.refresher.Refresh(ctx); err != nil {
		logger.Warn("catalog refresh after upload failed", zap.String("name", targetName), zap.Error(err))
	}
	if overwrite {
		i.refresher.Invalidate()
	}
	return nil
}

func (i *Ingester) validate(targetName, contentType string, body io.Reader) ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, fmt.Errorf("%w: got %q", ErrBadContentType, contentType)
	}

	if _, err := snapshot.Parse(targetName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadName, err)
	}

	part, err := firstFilePart(multipart.NewReader(body, params["boundary"]))
	if err != nil {
		return nil, err
	}
	defer part.Close()

	payload, err := io.ReadAll(io.LimitReader(part, i.maxBytes+1))
	if err != nil {
		if tooLarge(err) {
			return nil, ErrTooLarge
		}
		return nil, fmt.Errorf("%w: read file part: %v", ErrMissingFile, err)
	}
	if int64(len(payload)) > i.maxBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, i.maxBytes)
	}

	if err := columnar.Sniff(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAParquetFile, err)
	}
	return payload, nil
}

func firstFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, ErrMissingFile
		}
		if err != nil {
			if tooLarge(err) {
				return nil, ErrTooLarge
			}
			return nil, fmt.Errorf("%w: %v", ErrMissingFile, err)
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

// requestLogger prefers the correlation-scoped logger set by the HTTP middleware.
func (i *Ingester) requestLogger(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value("logger").(*zap.Logger); ok && logger != nil {
		return logger
	}
	return i.logger
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrBadContentType):
		return "bad_content_type"
	case errors.Is(err, ErrBadName):
		return "bad_name"
	case errors.Is(err, ErrNotAParquetFile):
		return "not_parquet"
	case errors.Is(err, ErrMissingFile):
		return "missing_file"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
