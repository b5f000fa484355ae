package domain

import "errors"

// Sentinel errors for the messaging domain. Callers match them with errors.Is.
var (
	ErrNotConnected   = errors.New("transport is not connected")
	ErrNoConversation = errors.New("no conversation selected")
	ErrNothingToSend  = errors.New("composer is empty")
	ErrUploadFailed   = errors.New("file upload failed")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrNotFound       = errors.New("requested resource not found")
)
