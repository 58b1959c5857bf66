package api

import (
	"errors"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strconv"
	"strings"

	"reel-pipeline/internal/types"
)

var (
	ErrFileTooLarge    = errors.New("reference image too large")
	ErrInvalidFileType = errors.New("invalid file type - only png, jpeg and webp images allowed")
	ErrFilenameTooLong = errors.New("filename too long - maximum 255 characters")
	ErrEmptyFile       = errors.New("reference image is empty")
)

// AllowedImageTypes maps accepted content types to the extension the upload
// is stored under.
var AllowedImageTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
}

// ValidateUpload checks the reference image header before it is read.
func ValidateUpload(fh *multipart.FileHeader, maxBytes int64) (ext string, err error) {
	if fh.Size == 0 {
		return "", ErrEmptyFile
	}
	if maxBytes > 0 && fh.Size > maxBytes {
		return "", fmt.Errorf("%w: %d bytes, maximum %d", ErrFileTooLarge, fh.Size, maxBytes)
	}
	if len(fh.Filename) > 255 {
		return "", ErrFilenameTooLong
	}
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = guessContentType(fh.Filename)
	}
	ext, ok := AllowedImageTypes[contentType]
	if !ok {
		return "", ErrInvalidFileType
	}
	return ext, nil
}

func guessContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}

// parseRequest reads the generation fields of a multipart form. Range
// checks on scene_count belong to the orchestrator; this only rejects
// values that do not parse.
func parseRequest(form *multipart.Form) (types.GenerationRequest, error) {
	get := func(k string) string {
		if v := form.Value[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	var req types.GenerationRequest
	var err error

	if req.SceneCount, err = strconv.Atoi(get("scene_count")); err != nil {
		return req, fmt.Errorf("scene_count must be an integer")
	}
	req.Description = get("description")
	if req.Voiceover, err = parseBool(get("voiceover")); err != nil {
		return req, fmt.Errorf("voiceover: %w", err)
	}
	if req.Music, err = parseBool(get("music")); err != nil {
		return req, fmt.Errorf("music: %w", err)
	}
	req.ImageOptions = types.ImageOptions{
		Provider:    get("image_provider"),
		AspectRatio: get("aspect_ratio"),
		Style:       get("style"),
	}
	if s := get("seed"); s != "" {
		if req.ImageOptions.Seed, err = strconv.ParseInt(s, 10, 64); err != nil {
			return req, fmt.Errorf("seed must be an integer")
		}
	}
	return req, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", s)
	}
	return b, nil
}
