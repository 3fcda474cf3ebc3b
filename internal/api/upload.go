package api

import (
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	uploadField    = "images"
	maxUploadFiles = 10
	maxUploadBytes = 5 << 20 // 5 MB per file
)

// Upload handles POST /api/upload (multipart/form-data, field "images").
//
//	@Summary		Upload up to ten images
//	@Tags			images
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			images	formData	file	true	"Image files"
//	@Success		201		{object}	UploadResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadFiles*maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("upload too large or invalid multipart"))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck // temp files only

	files := r.MultipartForm.File[uploadField]
	switch {
	case len(files) == 0:
		writeJSON(w, http.StatusBadRequest, errorBody("missing '"+uploadField+"' field in multipart form"))
		return
	case len(files) > maxUploadFiles:
		writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("at most %d files per upload", maxUploadFiles)))
		return
	}

	resp := UploadResponse{}
	for _, fh := range files {
		name := filepath.Base(fh.Filename)
		data, err := readImagePart(fh)
		if err != nil {
			resp.Failed = append(resp.Failed, UploadFailure{Filename: name, Error: err.Error()})
			continue
		}
		res, err := h.svc.Upload(r.Context(), name, data)
		if err != nil {
			slog.Warn("api: upload failed", slog.String("filename", name), slog.String("error", err.Error()))
			resp.Failed = append(resp.Failed, UploadFailure{Filename: name, Error: err.Error()})
			continue
		}
		resp.Uploaded = append(resp.Uploaded, res)
	}

	if len(resp.Uploaded) == 0 {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// readImagePart reads one part and checks size and sniffed content type.
func readImagePart(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxUploadBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max %d)", fh.Size, maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open part: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read part: %w", err)
	}
	if len(data) > maxUploadBytes {
		return nil, fmt.Errorf("file too large (max %d bytes)", maxUploadBytes)
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("only image files are allowed (got %s)", ct)
	}
	return data, nil
}
