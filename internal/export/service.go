package export

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"codepad/api/internal/logging"
	"codepad/api/internal/metrics"
	"codepad/api/internal/tree"
)

// ArchiveSource resolves every file of a workspace to its archive path.
type ArchiveSource interface {
	ResolveArchivePaths(ctx context.Context, workspaceID string) ([]tree.ArchiveEntry, error)
}

// Sink stores a finished archive and returns a time-limited download link.
type Sink interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Upload, error)
}

// Service builds workspace archives.
type Service struct {
	source ArchiveSource
	sink   Sink
	now    func() time.Time
}

// NewService creates an export service. sink may be nil when uploads are disabled.
func NewService(source ArchiveSource, sink Sink) *Service {
	return &Service{source: source, sink: sink, now: time.Now}
}

// Archive zips every file of the workspace. workspaceName only shapes the filename.
func (s *Service) Archive(ctx context.Context, workspaceID, workspaceName string) (*Result, error) {
	entries, err := s.source.ResolveArchivePaths(ctx, workspaceID)
	if err != nil {
		metrics.RecordArchiveExport(0, false)
		return nil, err
	}
	data, err := WriteZip(entries, s.now().UTC())
	if err != nil {
		metrics.RecordArchiveExport(0, false)
		return nil, fmt.Errorf("build archive: %w", err)
	}
	metrics.RecordArchiveExport(int64(len(data)), true)
	logging.WithContext(ctx).Debug("archive built",
		zap.String("workspace_id", workspaceID),
		zap.Int("files", len(entries)),
		zap.Int("bytes", len(data)),
	)
	return &Result{
		Data:     data,
		Filename: archiveFilename(workspaceName, workspaceID),
		MimeType: zipMimeType,
		Files:    len(entries),
	}, nil
}

// Publish builds the archive and hands it to the configured sink.
func (s *Service) Publish(ctx context.Context, workspaceID, workspaceName string) (Upload, error) {
	if s.sink == nil {
		return Upload{}, ErrUploadDisabled
	}
	result, err := s.Archive(ctx, workspaceID, workspaceName)
	if err != nil {
		return Upload{}, err
	}
	key := fmt.Sprintf("%s/%s-%s", workspaceID, s.now().UTC().Format("20060102T150405Z"), result.Filename)
	upload, err := s.sink.Put(ctx, key, result.Data, result.MimeType)
	if err != nil {
		return Upload{}, fmt.Errorf("upload archive: %w", err)
	}
	return upload, nil
}

func archiveFilename(name, fallback string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('-')
		}
	}
	base := strings.Trim(b.String(), "-.")
	if base == "" {
		base = fallback
	}
	return base + ".zip"
}
