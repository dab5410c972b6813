package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/durable"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/filetype"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/objectstore"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/types"
)

const (
	msgStorageUnavailable = "파일 저장소를 사용할 수 없습니다."
	msgBadFileRequest     = "파일 정보가 올바르지 않습니다."
	msgFileNotFound       = "파일을 찾을 수 없습니다."
	msgSizeMismatch       = "업로드된 파일 크기가 일치하지 않습니다."
	msgMimeMismatch       = "업로드된 파일 형식이 일치하지 않습니다."
)

// sizeTolerance absorbs metadata drift between the announced size and
// what S3 reports for the object (multipart padding, encoding).
const sizeTolerance = 1024

// handlePresignedURL validates an upload request and hands the client a
// short-lived PUT URL. The object key is generated server side so clients
// cannot pick paths.
func (s *Server) handlePresignedURL(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		writeError(w, http.StatusServiceUnavailable, msgStorageUnavailable, "STORAGE_UNAVAILABLE")
		return
	}

	var req struct {
		Filename string `json:"filename"`
		MimeType string `json:"mimetype"`
		Size     int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgBadFileRequest, "INVALID_REQUEST")
		return
	}
	if req.Filename == "" || req.MimeType == "" || req.Size <= 0 {
		writeError(w, http.StatusBadRequest, msgBadFileRequest, "INVALID_REQUEST")
		return
	}
	if _, ve := filetype.Validate(req.MimeType, req.Filename, req.Size); ve != nil {
		writeError(w, http.StatusBadRequest, ve.Message, ve.Code)
		return
	}

	key := "uploads/" + uuid.NewString() + strings.ToLower(filepath.Ext(req.Filename))
	uploadURL, err := s.files.PresignUpload(r.Context(), key, req.MimeType, req.Size)
	if err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("presign upload failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "PRESIGN_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"uploadUrl": uploadURL,
			"key":       key,
			"bucket":    s.files.Bucket(),
			"expiresIn": int(s.cfg.S3PresignedURLExpiry.Seconds()),
		},
	})
}

// handleUploadComplete verifies the announced object actually landed in
// the store before the client may reference it in a message.
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	if s.files == nil {
		writeError(w, http.StatusServiceUnavailable, msgStorageUnavailable, "STORAGE_UNAVAILABLE")
		return
	}

	var req struct {
		S3Key        string `json:"s3Key"`
		Filename     string `json:"filename"`
		OriginalName string `json:"originalname"`
		MimeType     string `json:"mimetype"`
		Size         int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgBadFileRequest, "INVALID_REQUEST")
		return
	}
	if req.S3Key == "" || req.Filename == "" || req.MimeType == "" {
		writeError(w, http.StatusBadRequest, msgBadFileRequest, "INVALID_REQUEST")
		return
	}

	head, err := s.files.Head(r.Context(), req.S3Key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectMissing) {
			writeError(w, http.StatusNotFound, msgFileNotFound, "FILE_NOT_FOUND")
			return
		}
		s.logger.Error().Err(err).Str("key", req.S3Key).Msg("head object failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "STORAGE_ERROR")
		return
	}
	if diff := head.Size - req.Size; diff > sizeTolerance || diff < -sizeTolerance {
		writeError(w, http.StatusBadRequest, msgSizeMismatch, "SIZE_MISMATCH")
		return
	}
	if head.ContentType != "" && head.ContentType != req.MimeType {
		writeError(w, http.StatusBadRequest, msgMimeMismatch, "MIME_MISMATCH")
		return
	}
	info, ve := filetype.Validate(req.MimeType, req.Filename, head.Size)
	if ve != nil {
		writeError(w, http.StatusBadRequest, ve.Message, ve.Code)
		return
	}

	originalName := req.OriginalName
	if originalName == "" {
		originalName = req.Filename
	}
	desc := types.FileDescriptor{
		Filename:     req.Filename,
		OriginalName: originalName,
		MimeType:     req.MimeType,
		Size:         head.Size,
		S3Key:        req.S3Key,
		S3Bucket:     s.files.Bucket(),
		S3URL:        s.files.ObjectURL(req.S3Key),
		UploadedAt:   types.NowMS(),
	}

	subtype := req.MimeType
	if i := strings.Index(subtype, "/"); i >= 0 {
		subtype = subtype[i+1:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"file":     desc,
			"category": info.Category,
			"subtype":  subtype,
		},
	})
}

// handleFileDownload resolves a stored filename to a presigned GET with a
// content-disposition carrying the original name. Access requires room
// membership on the message the file belongs to.
func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.fileMessage(w, r)
	if !ok {
		return
	}
	downloadURL, err := s.files.PresignDownload(r.Context(), msg.File.S3Key, msg.File.OriginalName)
	if err != nil {
		s.logger.Error().Err(err).Str("key", msg.File.S3Key).Msg("presign download failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "PRESIGN_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"url":       downloadURL,
			"filename":  msg.File.OriginalName,
			"expiresIn": int(s.cfg.S3PresignedURLExpiry.Seconds()),
		},
	})
}

// handleFileView returns the stable object URL for inline preview of
// previewable types.
func (s *Server) handleFileView(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.fileMessage(w, r)
	if !ok {
		return
	}
	info, known := filetype.Lookup(msg.File.MimeType)
	if !known || !info.Previewable {
		writeError(w, http.StatusBadRequest, msgBadFileRequest, "NOT_PREVIEWABLE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"url":      msg.File.S3URL,
			"mimetype": msg.File.MimeType,
		},
	})
}

// fileMessage looks up the message owning {filename} and enforces that the
// requester participates in its room. Writes the error response itself.
func (s *Server) fileMessage(w http.ResponseWriter, r *http.Request) (*types.Message, bool) {
	if s.files == nil || s.locator == nil {
		writeError(w, http.StatusServiceUnavailable, msgStorageUnavailable, "STORAGE_UNAVAILABLE")
		return nil, false
	}
	filename := chi.URLParam(r, "filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, msgBadFileRequest, "INVALID_REQUEST")
		return nil, false
	}

	msg, err := s.locator.MessageByFilename(r.Context(), filename)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgFileNotFound, "FILE_NOT_FOUND")
			return nil, false
		}
		s.logger.Error().Err(err).Str("filename", filename).Msg("file lookup failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "LOOKUP_FAILED")
		return nil, false
	}
	if msg.File == nil {
		writeError(w, http.StatusNotFound, msgFileNotFound, "FILE_NOT_FOUND")
		return nil, false
	}

	user := userFrom(r)
	room, _, err := s.rooms.GetRoom(r.Context(), msg.Room)
	if err != nil {
		if errors.Is(err, durable.ErrNotFound) {
			writeError(w, http.StatusNotFound, msgRoomNotFound, "ROOM_NOT_FOUND")
			return nil, false
		}
		s.logger.Error().Err(err).Str("room", msg.Room).Msg("room lookup failed")
		writeError(w, http.StatusInternalServerError, msgInternalError, "READ_FAILED")
		return nil, false
	}
	if !room.HasParticipant(user.ID) {
		writeError(w, http.StatusForbidden, msgNotParticipant, "NOT_PARTICIPANT")
		return nil, false
	}
	return msg, true
}
