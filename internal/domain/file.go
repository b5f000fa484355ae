package domain

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validatorInstance is a package-level validator instance.
// Using a single instance is more efficient as it caches struct information.
var validatorInstance = validator.New()

func init() {
	_ = validatorInstance.RegisterValidation("safepath", validateSafePath)
}

// validateSafePath ensures the path doesn't contain any directory traversal attempts.
func validateSafePath(fl validator.FieldLevel) bool {
	path := fl.Field().String()

	if strings.Contains(path, "..") ||
		strings.Contains(path, "~") ||
		strings.HasPrefix(path, "/") ||
		strings.Contains(path, "\\") {
		return false
	}

	// Catches things like "uploads/./../file".
	return path == filepath.Clean(path)
}

// Validate runs the struct tag rules of v and wraps failures in ErrInvalidPayload.
func Validate(v any) error {
	if err := validatorInstance.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Upload is the result of storing an attachment out of band.
type Upload struct {
	URL  string `json:"url" validate:"required"`
	Type string `json:"type" validate:"required"`
}

// IsImage reports whether a content type should be sent as an image message.
func IsImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "image/")
}

// StoredFile is the metadata the relay keeps for an uploaded attachment.
type StoredFile struct {
	ID          string `json:"id" validate:"required"`
	OwnerID     string `json:"owner_id" validate:"required"`
	Filename    string `json:"filename" validate:"required,min=1,max=255"`
	MIMEType    string `json:"mime_type" validate:"required"`
	Size        int64  `json:"size" validate:"gte=0"`
	StoragePath string `json:"storage_path" validate:"required,safepath"`
}
