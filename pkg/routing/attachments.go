package routing

import (
	"path/filepath"
	"strings"

	"chatrelay/pkg/bus"
)

var extensionTypes = map[string]bus.AttachmentType{
	".jpg":  bus.AttachmentImage,
	".jpeg": bus.AttachmentImage,
	".png":  bus.AttachmentImage,
	".gif":  bus.AttachmentImage,
	".webp": bus.AttachmentImage,
	".mp4":  bus.AttachmentVideo,
	".mov":  bus.AttachmentVideo,
	".webm": bus.AttachmentVideo,
	".mkv":  bus.AttachmentVideo,
	".mp3":  bus.AttachmentAudio,
	".ogg":  bus.AttachmentAudio,
	".oga":  bus.AttachmentAudio,
	".wav":  bus.AttachmentAudio,
	".m4a":  bus.AttachmentAudio,
	".pdf":  bus.AttachmentDocument,
	".doc":  bus.AttachmentDocument,
	".docx": bus.AttachmentDocument,
	".txt":  bus.AttachmentDocument,
	".csv":  bus.AttachmentDocument,
}

// AttachmentType classifies an attachment from its MIME type first and
// file extension second, defaulting to the generic file type.
func AttachmentType(mimeType, fileName string) bus.AttachmentType {
	mime := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return bus.AttachmentImage
	case strings.HasPrefix(mime, "video/"):
		return bus.AttachmentVideo
	case strings.HasPrefix(mime, "audio/"):
		return bus.AttachmentAudio
	case mime == "application/pdf", strings.HasPrefix(mime, "text/"):
		return bus.AttachmentDocument
	}

	if ext := strings.ToLower(filepath.Ext(strings.TrimSpace(fileName))); ext != "" {
		if kind, ok := extensionTypes[ext]; ok {
			return kind
		}
	}

	return bus.AttachmentFile
}
