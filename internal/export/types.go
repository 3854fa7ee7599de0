// Package export packs a workspace tree into a zip archive and optionally uploads it.
package export

import (
	"errors"
	"time"
)

const zipMimeType = "application/zip"

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	Files    int
}

// Upload describes an archive stored in object storage.
type Upload struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Size      int64     `json:"size"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var (
	// ErrUploadDisabled is returned when no object storage is configured.
	ErrUploadDisabled = errors.New("archive upload not configured")
	// ErrUnsafePath is returned for an entry path that would escape the archive root.
	ErrUnsafePath = errors.New("unsafe archive path")
)
