// Package imaging validates uploaded photos and supplies placeholder art.
// Validation sniffs the actual byte content; the declared filename is only
// consulted for its extension.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	// Decoders for every allowed upload format.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Validation errors. Messages are user-safe.
var (
	ErrBadExtension = errors.New("unsupported file type")
	ErrNotAnImage   = errors.New("file is not a valid image")
)

// allowedExtensions is the enumerated set of accepted upload extensions.
var allowedExtensions = map[string]bool{
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"gif":  true,
	"webp": true,
}

// allowedFormats maps the formats image.Decode can report for those
// extensions. Note jpg/jpeg both decode as "jpeg".
var allowedFormats = map[string]bool{
	"png":  true,
	"jpeg": true,
	"gif":  true,
	"webp": true,
}

// AllowedExtensions returns the accepted extensions for user-facing messages.
func AllowedExtensions() []string {
	return []string{"png", "jpg", "jpeg", "gif", "webp"}
}

// ValidateFilename checks the declared extension and returns it normalized
// (lowercase, no dot).
func ValidateFilename(filename string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if !allowedExtensions[ext] {
		return "", ErrBadExtension
	}
	return ext, nil
}

// Sniff verifies that data decodes as a raster image of an allowed format
// and returns the detected format name.
func Sniff(data []byte) (string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", ErrNotAnImage
	}
	if !allowedFormats[format] {
		return "", ErrNotAnImage
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", ErrNotAnImage
	}
	return format, nil
}

// MIMEType returns the mime type for a sniffed format, for provider data URLs.
func MIMEType(format string) string {
	return fmt.Sprintf("image/%s", format)
}

// Placeholder returns a uniform light-blue square used when a page
// illustration could not be generated.
func Placeholder(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	lightBlue := color.RGBA{R: 173, G: 216, B: 230, A: 255}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetRGBA(x, y, lightBlue)
		}
	}
	return img
}
