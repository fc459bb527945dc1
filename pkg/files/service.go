// Package files accepts uploaded requirement documents and hands their text
// to executions.
package files

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/storage"
)

var (
	// ErrFileNotFound is returned for unknown file ids
	ErrFileNotFound = storage.ErrFileNotFound

	// ErrUnsupportedType is returned for extensions without a text extractor
	ErrUnsupportedType = errors.New("file type not supported")

	// ErrTooLarge is returned when an upload exceeds the configured limit
	ErrTooLarge = errors.New("file exceeds size limit")

	// ErrEmptyFile is returned for uploads with no extractable text
	ErrEmptyFile = errors.New("file has no content")
)

// SupportedExtensions lists the extensions that can be uploaded
var SupportedExtensions = []string{".txt", ".md"}

const previewLength = 500

// FileInfo is the public view of an upload
type FileInfo struct {
	ID          string    `json:"file_id"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
	Processed   bool      `json:"processed"`
}

// Summary holds simple statistics about extracted text
type Summary struct {
	CharacterCount int `json:"character_count"`
	WordCount      int `json:"word_count"`
	LineCount      int `json:"line_count"`
	ParagraphCount int `json:"paragraph_count"`
}

// Preview is a shortened view of a file's text
type Preview struct {
	ID          string  `json:"file_id"`
	Filename    string  `json:"filename"`
	ContentType string  `json:"content_type"`
	Preview     string  `json:"preview"`
	Processed   bool    `json:"processed"`
	Summary     Summary `json:"summary"`
}

// Service stores uploads in a FileStore
type Service struct {
	store    storage.FileStore
	maxBytes int64
	logger   logging.Logger
	now      func() time.Time
}

// NewService creates a file service. maxBytes <= 0 disables the size check.
func NewService(store storage.FileStore, maxBytes int64, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{store: store, maxBytes: maxBytes, logger: logger, now: time.Now}
}

// MaxBytes is the configured upload limit
func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

// Upload validates, extracts and stores a document
func (s *Service) Upload(filename, contentType string, data []byte) (FileInfo, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !supported(ext) {
		return FileInfo{}, fmt.Errorf("%w: %q, allowed: %s", ErrUnsupportedType, ext, strings.Join(SupportedExtensions, ", "))
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return FileInfo{}, fmt.Errorf("%w of %d bytes", ErrTooLarge, s.maxBytes)
	}

	text := DecodeText(data)
	if strings.TrimSpace(text) == "" {
		return FileInfo{}, ErrEmptyFile
	}
	if contentType == "" {
		contentType = "text/plain"
	}

	file := storage.StoredFile{
		ID:          uuid.NewString(),
		Filename:    filepath.Base(filename),
		ContentType: contentType,
		Size:        int64(len(data)),
		Content:     text,
		UploadedAt:  s.now().UTC(),
	}
	if err := s.store.SaveFile(file); err != nil {
		return FileInfo{}, fmt.Errorf("failed to store file: %w", err)
	}

	s.logger.Info("File uploaded",
		logging.F("file_id", file.ID),
		logging.F("filename", file.Filename),
		logging.F("size", file.Size))
	return infoOf(file), nil
}

// Get returns the metadata of an upload
func (s *Service) Get(id string) (FileInfo, error) {
	file, err := s.store.GetFile(id)
	if err != nil {
		return FileInfo{}, err
	}
	return infoOf(file), nil
}

// List returns every upload, oldest first
func (s *Service) List() ([]FileInfo, error) {
	stored, err := s.store.ListFiles()
	if err != nil {
		return nil, err
	}
	list := make([]FileInfo, 0, len(stored))
	for _, file := range stored {
		list = append(list, infoOf(file))
	}
	return list, nil
}

// Delete removes an upload
func (s *Service) Delete(id string) error {
	return s.store.DeleteFile(id)
}

// Preview returns the first part of the text and its statistics
func (s *Service) Preview(id string) (Preview, error) {
	file, err := s.store.GetFile(id)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		ID:          file.ID,
		Filename:    file.Filename,
		ContentType: file.ContentType,
		Preview:     PreviewText(file.Content, previewLength),
		Processed:   true,
		Summary:     Summarize(file.Content),
	}, nil
}

// ResolveDocument returns the document handed to the crew for an upload
func (s *Service) ResolveDocument(fileID string) (map[string]interface{}, error) {
	file, err := s.store.GetFile(fileID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"file_id":  file.ID,
		"filename": file.Filename,
		"content":  file.Content,
		"metadata": map[string]interface{}{
			"original_size":  file.Size,
			"extracted_size": len(file.Content),
			"file_type":      strings.ToLower(filepath.Ext(file.Filename)),
		},
	}, nil
}

func infoOf(file storage.StoredFile) FileInfo {
	return FileInfo{
		ID:          file.ID,
		Filename:    file.Filename,
		Size:        file.Size,
		ContentType: file.ContentType,
		UploadedAt:  file.UploadedAt,
		Processed:   true,
	}
}

func supported(ext string) bool {
	for _, allowed := range SupportedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// DecodeText returns data as a string, treating invalid UTF-8 as Latin-1
func DecodeText(data []byte) string {
	data = trimBOM(data)
	if utf8.Valid(data) {
		return string(data)
	}

	var b strings.Builder
	b.Grow(len(data))
	for _, c := range data {
		b.WriteRune(rune(c))
	}
	return b.String()
}

func trimBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

// PreviewText cuts content to maxLength runes, preferring a word boundary
// near the end, and marks the cut with "...".
func PreviewText(content string, maxLength int) string {
	if content == "" {
		return "No content available"
	}
	runes := []rune(content)
	if len(runes) <= maxLength {
		return content
	}

	preview := string(runes[:maxLength])
	if i := strings.LastIndex(preview, " "); i > 0 && float64(utf8.RuneCountInString(preview[:i])) > float64(maxLength)*0.8 {
		preview = preview[:i]
	}
	return preview + "..."
}

// Summarize counts characters, words, lines and paragraphs
func Summarize(content string) Summary {
	if content == "" {
		return Summary{}
	}

	paragraphs := 0
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}

	return Summary{
		CharacterCount: utf8.RuneCountInString(content),
		WordCount:      len(strings.Fields(content)),
		LineCount:      strings.Count(content, "\n") + 1,
		ParagraphCount: paragraphs,
	}
}
