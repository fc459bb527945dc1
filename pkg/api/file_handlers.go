package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"

	"github.com/tcmartin/crewrunner/pkg/files"
	"github.com/tcmartin/crewrunner/pkg/logging"
)

// multipart overhead allowed on top of the file size limit
const multipartSlack = 1 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.Files.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large. Maximum size: %dMB", limit>>20))
			return
		}
		writeError(w, http.StatusBadRequest, "A file must be sent in the \"file\" form field")
		return
	}
	defer file.Close()

	// Read one byte past the limit so oversize files are detected
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	info, err := s.deps.Files.Upload(header.Filename, header.Header.Get("Content-Type"), data)
	switch {
	case err == nil:
	case errors.Is(err, files.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("File type %s not supported. Supported types: .txt, .md", filepath.Ext(header.Filename)))
		return
	case errors.Is(err, files.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("File too large. Maximum size: %dMB", limit>>20))
		return
	case errors.Is(err, files.ErrEmptyFile):
		writeError(w, http.StatusBadRequest, "Uploaded file is empty")
		return
	default:
		s.deps.Logger.Error("File upload failed", logging.F("filename", header.Filename), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to upload file")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"file_id":   info.ID,
		"filename":  info.Filename,
		"size":      info.Size,
		"status":    "uploaded",
		"message":   "File uploaded successfully",
		"processed": info.Processed,
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Files.List()
	if err != nil {
		s.deps.Logger.Error("Failed to list files", logging.Err(err))
		writeError(w, http.StatusInternalServerError, "Failed to list files")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": list,
		"total": len(list),
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Files.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Files.Delete(mux.Vars(r)["id"]); err != nil {
		s.fileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "File deleted successfully"})
}

func (s *Server) handlePreviewFile(w http.ResponseWriter, r *http.Request) {
	preview, err := s.deps.Files.Preview(mux.Vars(r)["id"])
	if err != nil {
		s.fileError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *Server) fileError(w http.ResponseWriter, err error) {
	if errors.Is(err, files.ErrFileNotFound) {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	s.deps.Logger.Error("File operation failed", logging.Err(err))
	writeError(w, http.StatusInternalServerError, "File operation failed")
}
