// Package filetype is the static upload registry: which MIME types are
// accepted, their extensions, size ceilings and preview behavior. The
// upload handshake consults it before any presigned URL is issued.
package filetype

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Category groups MIME types for display and policy.
type Category string

const (
	Image    Category = "image"
	Video    Category = "video"
	Audio    Category = "audio"
	Document Category = "document"
	Archive  Category = "archive"
)

// categoryNames are the localized display names shown in file messages.
var categoryNames = map[Category]string{
	Image:    "이미지",
	Video:    "동영상",
	Audio:    "오디오",
	Document: "문서",
	Archive:  "압축파일",
}

// CategoryName returns the localized display name for a category.
func CategoryName(c Category) string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return "파일"
}

const mb = int64(1 << 20)

// Info describes one accepted MIME type.
type Info struct {
	MIME        string
	Category    Category
	Extensions  []string
	MaxSize     int64
	Previewable bool
}

var registry = map[string]Info{
	"image/jpeg": {Category: Image, Extensions: []string{".jpg", ".jpeg"}, MaxSize: 10 * mb, Previewable: true},
	"image/png":  {Category: Image, Extensions: []string{".png"}, MaxSize: 10 * mb, Previewable: true},
	"image/gif":  {Category: Image, Extensions: []string{".gif"}, MaxSize: 10 * mb, Previewable: true},
	"image/webp": {Category: Image, Extensions: []string{".webp"}, MaxSize: 10 * mb, Previewable: true},

	"video/mp4":       {Category: Video, Extensions: []string{".mp4"}, MaxSize: 50 * mb, Previewable: true},
	"video/webm":      {Category: Video, Extensions: []string{".webm"}, MaxSize: 50 * mb, Previewable: true},
	"video/quicktime": {Category: Video, Extensions: []string{".mov"}, MaxSize: 50 * mb, Previewable: true},

	"audio/mpeg": {Category: Audio, Extensions: []string{".mp3"}, MaxSize: 20 * mb, Previewable: true},
	"audio/wav":  {Category: Audio, Extensions: []string{".wav"}, MaxSize: 20 * mb, Previewable: true},
	"audio/ogg":  {Category: Audio, Extensions: []string{".ogg"}, MaxSize: 20 * mb, Previewable: true},

	"application/pdf":    {Category: Document, Extensions: []string{".pdf"}, MaxSize: 20 * mb, Previewable: true},
	"application/msword": {Category: Document, Extensions: []string{".doc"}, MaxSize: 20 * mb},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {
		Category: Document, Extensions: []string{".docx"}, MaxSize: 20 * mb,
	},
	"text/plain": {Category: Document, Extensions: []string{".txt"}, MaxSize: 20 * mb},

	"application/zip":              {Category: Archive, Extensions: []string{".zip"}, MaxSize: 50 * mb},
	"application/x-rar-compressed": {Category: Archive, Extensions: []string{".rar"}, MaxSize: 50 * mb},
	"application/x-7z-compressed":  {Category: Archive, Extensions: []string{".7z"}, MaxSize: 50 * mb},
}

// Lookup returns the registry entry for a MIME type.
func Lookup(mime string) (Info, bool) {
	info, ok := registry[strings.ToLower(strings.TrimSpace(mime))]
	if ok {
		info.MIME = strings.ToLower(strings.TrimSpace(mime))
	}
	return info, ok
}

// ValidationError carries the localized rejection for the HTTP surface.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Rejection codes.
const (
	CodeUnsupportedType = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
	CodeBadExtension    = "INVALID_FILE_EXTENSION"
)

// Validate checks a proposed upload against the registry. A nil return
// means the file is acceptable.
func Validate(mime, filename string, size int64) (Info, *ValidationError) {
	info, ok := Lookup(mime)
	if !ok {
		return Info{}, &ValidationError{
			Code:    CodeUnsupportedType,
			Message: "지원하지 않는 파일 형식입니다.",
		}
	}
	if !extensionAllowed(info, filename) {
		return Info{}, &ValidationError{
			Code:    CodeBadExtension,
			Message: "파일 확장자가 올바르지 않습니다.",
		}
	}
	if size > info.MaxSize {
		return Info{}, &ValidationError{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("파일 크기는 %dMB를 초과할 수 없습니다.", info.MaxSize/mb),
		}
	}
	return info, nil
}

func extensionAllowed(info Info, filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return false
	}
	for _, allowed := range info.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
