package models

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var extensionKinds = map[string]Kind{
	"png":  KindImage,
	"jpg":  KindImage,
	"jpeg": KindImage,
	"gif":  KindImage,
	"bmp":  KindImage,
	"mp4":  KindVideo,
	"avi":  KindVideo,
	"mov":  KindVideo,
	"wmv":  KindVideo,
	"flv":  KindVideo,
	"mp3":  KindAudio,
	"wav":  KindAudio,
	"ogg":  KindAudio,
	"m4a":  KindAudio,
	"pdf":  KindDocument,
	"doc":  KindDocument,
	"docx": KindDocument,
	"txt":  KindDocument,
	"xls":  KindDocument,
	"xlsx": KindDocument,
	"csv":  KindDocument,
}

// KindFromFilename infers the message kind from a file extension.
func KindFromFilename(name string) Kind {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if kind, ok := extensionKinds[ext]; ok {
		return kind
	}
	return KindFile
}

// NewFileMessage reads path and returns a message carrying its bytes.
func NewFileMessage(senderID, recipientID, path string) (Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Message{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Message{}, fmt.Errorf("attachment %q is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, fmt.Errorf("read attachment: %w", err)
	}

	name := filepath.Base(path)
	msg := NewTextMessage(senderID, recipientID, "")
	msg.Payload = data
	msg.FileName = name
	msg.FileSize = info.Size()
	msg.Kind = KindFromFilename(name)
	msg.Content = AttachmentLabel(msg.Kind, name)
	return msg, nil
}

// AttachmentLabel is the display text shown in place of binary content.
func AttachmentLabel(kind Kind, fileName string) string {
	switch kind {
	case KindImage:
		return "📷 Image: " + fileName
	case KindVideo:
		return "🎥 Video: " + fileName
	case KindAudio:
		return "🎵 Audio: " + fileName
	case KindDocument:
		return "📄 Document: " + fileName
	default:
		return "📎 File: " + fileName
	}
}
