// Package upload validates and stages files posted to the upload endpoint.
package upload

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"path/filepath"
	"slices"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/aarogyalink/companion/internal/domain"
)

// FileType is the coarse category of an upload.
type FileType string

const (
	TypeImage   FileType = "image"
	TypeAudio   FileType = "audio"
	TypeUnknown FileType = "unknown"
)

// DefaultMaxBytes is the upload size limit when none is configured.
const DefaultMaxBytes = 16 * 1024 * 1024

var (
	imageExtensions = []string{"png", "jpg", "jpeg", "gif", "bmp", "tiff", "webp"}
	audioExtensions = []string{"wav", "mp3", "mp4", "webm", "ogg", "aac", "m4a", "flac"}
)

// Extension returns the lower-cased extension of filename without the dot.
func Extension(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// DetectType maps a filename to its FileType by extension.
func DetectType(filename string) FileType {
	ext := Extension(filename)
	switch {
	case slices.Contains(imageExtensions, ext):
		return TypeImage
	case slices.Contains(audioExtensions, ext):
		return TypeAudio
	default:
		return TypeUnknown
	}
}

// Allowed reports whether filename has an accepted extension.
func Allowed(filename string) bool {
	return DetectType(filename) != TypeUnknown
}

// AllowedExtensions returns every accepted extension, sorted.
func AllowedExtensions() []string {
	all := append(slices.Clone(imageExtensions), audioExtensions...)
	slices.Sort(all)
	return all
}

// File is a validated upload.
type File struct {
	Name string
	Type FileType
	MIME string
	Data []byte
}

// Size returns the file length in bytes.
func (f *File) Size() int {
	return len(f.Data)
}

// Validator applies the upload rules.
type Validator struct {
	maxBytes int64
}

// NewValidator creates a validator. A non-positive limit selects
// DefaultMaxBytes.
func NewValidator(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Validator{maxBytes: maxBytes}
}

// MaxBytes returns the configured size limit.
func (v *Validator) MaxBytes() int64 {
	return v.maxBytes
}

// Validate checks an upload. requestedType is the client's "type" field;
// "auto" or empty selects detection by extension. The returned error is a
// *domain.APIError carrying the client-facing message.
func (v *Validator) Validate(filename, requestedType string, data []byte) (*File, error) {
	name := SanitizeFilename(filename)
	if name == "" {
		return nil, domain.ErrInvalidRequest("No file selected")
	}

	if !Allowed(name) {
		return nil, domain.ErrInvalidRequest("File type not allowed. Supported formats: " + strings.Join(AllowedExtensions(), ", "))
	}

	fileType := FileType(strings.ToLower(strings.TrimSpace(requestedType)))
	if fileType == "" || fileType == "auto" {
		fileType = DetectType(name)
	}

	if len(data) == 0 {
		return nil, domain.ErrInvalidRequest("File is empty")
	}
	if int64(len(data)) > v.maxBytes {
		return nil, domain.ErrPayloadTooLarge(fmt.Sprintf("File too large. Maximum size is %dMB.", v.maxBytes/(1024*1024)))
	}

	f := &File{Name: name, Type: fileType, Data: data}

	switch fileType {
	case TypeImage:
		format, err := VerifyImage(data)
		if err != nil {
			return nil, domain.ErrInvalidRequest("Invalid image file").WithCause(err)
		}
		f.MIME = "image/" + format
	case TypeAudio:
		f.MIME = mimeFor(name, data)
	default:
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("Unsupported file type: %s", fileType))
	}

	return f, nil
}

// VerifyImage decodes the image header and returns its format name.
func VerifyImage(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	return format, nil
}

func mimeFor(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// SanitizeFilename reduces name to a safe base name made of ASCII letters,
// digits, dots, dashes and underscores.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}

	var sb strings.Builder
	for _, r := range strings.Join(strings.Fields(name), "_") {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		}
	}
	return strings.Trim(sb.String(), "._")
}

// AudioDescription builds the text query used for an audio upload, which is
// not transcribed.
func AudioDescription(filename string, size int, description string) string {
	text := fmt.Sprintf("Audio file received: %s (%d bytes). ", filename, size)
	if strings.TrimSpace(description) != "" {
		return text + "Description: " + description
	}
	return text + "Please describe your symptoms or health concerns from the audio recording."
}
