// Package export renders a chapter, optionally with its anchored comments,
// to PDF or DOCX.
package export

import (
	"errors"
	"strings"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// ParseFormat accepts "pdf" or "docx", case-insensitively. Empty means PDF.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatDOCX:
		return FormatDOCX, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Request contains parameters for an export operation
type Request struct {
	ChapterID       string
	Version         string // empty for the current content, otherwise a revision hash
	Format          Format
	IncludeComments bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ChapterInfo is the chapter metadata printed in the export header.
type ChapterInfo struct {
	ID        string
	Title     string
	Author    string
	UpdatedAt time.Time
}

var (
	// ErrContentUnavailable indicates chapter content could not be loaded for export.
	ErrContentUnavailable = errors.New("export content unavailable")
	// ErrUnsupportedFormat is returned for formats other than pdf and docx.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
