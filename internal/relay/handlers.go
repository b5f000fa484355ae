package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/spotter/messenger/internal/domain"
	"github.com/spotter/messenger/internal/middleware"
	"github.com/spotter/messenger/internal/storage"
)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// UploadFileRequest is the multipart body of the upload endpoint.
type UploadFileRequest struct {
	File *multipart.FileHeader `form:"file" validate:"required"`
}

// Handler serves the HTTP endpoints the messaging client consumes.
type Handler struct {
	store       *Store
	files       storage.Store
	maxFileSize int64
}

// NewHandler creates a new Handler.
func NewHandler(store *Store, files storage.Store, maxFileSize int64) *Handler {
	return &Handler{store: store, files: files, maxFileSize: maxFileSize}
}

// Conversations lists the caller's possible conversation partners.
func (h *Handler) Conversations(c echo.Context) error {
	userID := middleware.UserID(c)
	h.store.AddUser(domain.Friend{ID: userID})
	return c.JSON(http.StatusOK, h.store.Partners(userID))
}

// History returns the messages between the caller and the friend in the path.
func (h *Handler) History(c echo.Context) error {
	friendID := c.Param("friendId")
	if !h.store.HasUser(friendID) {
		return echo.NewHTTPError(http.StatusNotFound, "Unknown user")
	}
	return c.JSON(http.StatusOK, h.store.Conversation(middleware.UserID(c), friendID))
}

// Upload stores the multipart "file" field and returns its public URL and content type.
func (h *Handler) Upload(c echo.Context) error {
	ctx := c.Request().Context()
	logger := middleware.FromContext(ctx)
	userID := middleware.UserID(c)

	var req UploadFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request format.")
	}
	if req.File == nil {
		// Bind does not populate file headers on every echo version.
		fh, err := c.FormFile("file")
		if err == nil {
			req.File = fh
		}
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	fileHeader := req.File
	if h.maxFileSize > 0 && fileHeader.Size > h.maxFileSize {
		return c.String(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File size of %d bytes exceeds the limit of %d bytes", fileHeader.Size, h.maxFileSize))
	}
	mimeType := fileHeader.Header.Get(echo.HeaderContentType)
	if mimeType == "" {
		mimeType = echo.MIMEOctetStream
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to open uploaded file")
	}
	defer src.Close()

	id := uuid.NewString()
	sanitizedFilename := filepath.Base(fileHeader.Filename)
	storagePath := path.Join(userID, id+filepath.Ext(sanitizedFilename))

	written, err := h.files.Save(ctx, storagePath, src)
	if err != nil {
		logger.Error("Failed to save file to storage", slog.String("error", err.Error()))
		return c.String(http.StatusInternalServerError, "Failed to save file")
	}

	meta := domain.StoredFile{
		ID:          id,
		OwnerID:     userID,
		Filename:    sanitizedFilename,
		MIMEType:    mimeType,
		Size:        written,
		StoragePath: storagePath,
	}
	if err := h.store.SaveFile(meta); err != nil {
		logger.Error("Failed to save file metadata", slog.String("error", err.Error()))
		_ = h.files.Delete(ctx, storagePath)
		return c.String(http.StatusBadRequest, "Invalid file")
	}

	logger.Info("File uploaded", "file_id", id, "size", written, "mime_type", mimeType)
	url := fmt.Sprintf("%s://%s/files/%s", c.Scheme(), c.Request().Host, id)
	return c.JSON(http.StatusOK, domain.Upload{URL: url, Type: mimeType})
}

// Download streams an uploaded file. File URLs are public so clients can render
// them without credentials.
func (h *Handler) Download(c echo.Context) error {
	ctx := c.Request().Context()
	logger := middleware.FromContext(ctx)

	file, err := h.store.File(c.Param("id"))
	if err != nil {
		return c.String(http.StatusNotFound, "File not found")
	}

	content, err := h.files.Open(ctx, file.StoragePath)
	if errors.Is(err, domain.ErrNotFound) {
		return c.String(http.StatusNotFound, "File not found")
	}
	if err != nil {
		logger.Error("Failed to open stored file", slog.String("path", file.StoragePath), slog.String("error", err.Error()))
		return c.String(http.StatusInternalServerError, "Could not retrieve file")
	}
	defer content.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", file.Filename))
	return c.Stream(http.StatusOK, file.MIMEType, content)
}
