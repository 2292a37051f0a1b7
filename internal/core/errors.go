package core

import "fmt"

// AppError represents an application error with a stable machine-readable code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error.
func NewAppError(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeDatabase         = "DATABASE_ERROR"
	ErrCodeConfiguration    = "CONFIGURATION_ERROR"
	ErrCodeFetch            = "FETCH_ERROR"
	ErrCodeArchiveNoCurrent = "ARCHIVE_WITHOUT_CURRENT"
	ErrCodeNoHistory        = "NO_HISTORY_FOUND"
)

// Common error constructors.
func NewValidationError(message string, err error) *AppError {
	return NewAppError(ErrCodeValidation, message, err)
}

func NewNotFoundError(message string, err error) *AppError {
	return NewAppError(ErrCodeNotFound, message, err)
}

func NewInternalError(message string, err error) *AppError {
	return NewAppError(ErrCodeInternal, message, err)
}

func NewDatabaseError(message string, err error) *AppError {
	return NewAppError(ErrCodeDatabase, message, err)
}

func NewConfigurationError(message string, err error) *AppError {
	return NewAppError(ErrCodeConfiguration, message, err)
}

func NewFetchError(message string, err error) *AppError {
	return NewAppError(ErrCodeFetch, message, err)
}

// NewArchiveWithoutCurrentError reports an ARCHIVE-flagged document reached
// with no rel="current" link to restart the crawl from.
func NewArchiveWithoutCurrentError(url string) *AppError {
	return NewAppError(ErrCodeArchiveNoCurrent,
		fmt.Sprintf("document %q has an <archive> flag without a rel=\"current\" link; retry with the current feed instead", url), nil)
}

// NewNoHistoryError reports that no registered strategy recognized the feed.
func NewNoHistoryError(url string) *AppError {
	return NewAppError(ErrCodeNoHistory, fmt.Sprintf("no archive history found for feed %q", url), nil)
}
