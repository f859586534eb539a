/*
Package handler provides the HTTP handlers and routing setup for the chatkat hub.

This file contains the image upload handler. Uploads arrive as multipart
form data, are validated for size and type before touching object storage,
and come back as the public URL the client then sends as message text.
*/
package handler

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"chatkat/internal/pkg/errs"
	"chatkat/internal/pkg/logx"
	"chatkat/internal/pkg/req"
	"chatkat/internal/pkg/resp"
	"chatkat/internal/sanitize"
)

const (
	// MaxUploadMB and MaxUploadBytes cap a single image upload.
	MaxUploadMB    = 5
	MaxUploadBytes = MaxUploadMB * 1024 * 1024
)

// allowedImageMIMEs lists the content types accepted for upload, as
// detected from the actual payload bytes.
var allowedImageMIMEs = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// HandleUpload creates an HTTP HandlerFunc for POST /api/upload. The form
// field "file" carries the image; the response envelope carries its URL.
func HandleUpload(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if customErr := req.SetupMultipart(w, r); customErr != nil {
			resp.RespondError(w, r, customErr)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}
		defer file.Close()

		if header.Size > MaxUploadBytes {
			resp.RespondError(w, r, errs.NewError(errs.ErrFileSizeTooLarge, MaxUploadMB))
			return
		}

		data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
		if err != nil {
			logx.Error(err, "Failed to read uploaded file")
			resp.RespondError(w, r, errs.NewError(errs.ErrFormParseFailed))
			return
		}
		if len(data) > MaxUploadBytes {
			resp.RespondError(w, r, errs.NewError(errs.ErrFileSizeTooLarge, MaxUploadMB))
			return
		}

		// Type check runs on the payload bytes, not the client-declared
		// content type.
		mimeType := strings.ToLower(http.DetectContentType(data))
		if _, ok := allowedImageMIMEs[mimeType]; !ok {
			logx.Warn("Upload rejected: Disallowed content type", "detected_type", mimeType)
			resp.RespondError(w, r, errs.NewError(errs.ErrFileTypeInvalid))
			return
		}

		fileName := sanitize.FileName(header.Filename)
		fileKey := fmt.Sprintf("%s/%s_%s", deps.Config.Room, uuid.New().String(), fileName)

		url, err := deps.StorageService.Upload(r.Context(), fileKey, mimeType, bytes.NewReader(data))
		if err != nil {
			resp.RespondError(w, r, errs.NewError(errs.ErrUploadFailed))
			return
		}

		logx.Info("Image uploaded", "file_key", fileKey, "size_bytes", len(data))

		resp.RespondSuccess(w, r, map[string]any{
			"url": url,
		})
	}
}
