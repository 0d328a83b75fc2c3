package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorCrypto    = "WECOM_CRYPTO_ERROR"
	ErrorParse     = "WECOM_PARSE_ERROR"
	ErrorTransport = "WECOM_TRANSPORT_ERROR"
	ErrorBusiness  = "WECOM_BUSINESS_ERROR"
	ErrorStore     = "WECOM_STORE_ERROR"
	ErrorBadInput  = "WECOM_BAD_INPUT"
	ErrorInternal  = "WECOM_INTERNAL_ERROR"
)

// Process codes returned to the callback layer. Zero means success.
const (
	ProcessCodeOK          = 0
	ProcessCodeCrypto      = -40001
	ProcessCodeParse       = -2
	ProcessCodeUnavailable = -1
)

// ProcessCoder is implemented by codec errors that carry their own code.
type ProcessCoder interface {
	ProcessCode() int
}

func NewError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func WrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	if source == nil {
		return NewError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func CryptoError(source error, message string, metadata map[string]any) error {
	return WrapError(source, goerrors.CategoryAuth, message, http.StatusBadRequest, ErrorCrypto, metadata)
}

func ParseError(source error, message string, metadata map[string]any) error {
	return WrapError(source, goerrors.CategoryBadInput, message, http.StatusBadRequest, ErrorParse, metadata)
}

func TransportError(source error, message string, metadata map[string]any) error {
	return WrapError(source, goerrors.CategoryExternal, message, http.StatusBadGateway, ErrorTransport, metadata)
}

func BusinessError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryOperation, http.StatusBadGateway, ErrorBusiness, metadata)
}

func StoreError(source error, message string, metadata map[string]any) error {
	return WrapError(source, goerrors.CategoryInternal, message, http.StatusServiceUnavailable, ErrorStore, metadata)
}

func BadInputError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrorBadInput, metadata)
}

func InternalError(message string, metadata map[string]any) error {
	return NewError(message, goerrors.CategoryInternal, http.StatusInternalServerError, ErrorInternal, metadata)
}

func IsCryptoError(err error) bool    { return hasTextCode(err, ErrorCrypto) }
func IsParseError(err error) bool     { return hasTextCode(err, ErrorParse) }
func IsTransportError(err error) bool { return hasTextCode(err, ErrorTransport) }
func IsBusinessError(err error) bool  { return hasTextCode(err, ErrorBusiness) }
func IsStoreError(err error) bool     { return hasTextCode(err, ErrorStore) }
func IsBadInputError(err error) bool  { return hasTextCode(err, ErrorBadInput) }

// IsNotFound reports whether err is a rich error in the not-found category.
func IsNotFound(err error) bool {
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryNotFound
}

// ProcessCode maps an error to the callback process code. Only crypto and
// parse failures yield a negative code; everything else is acknowledged.
func ProcessCode(err error) int {
	if err == nil {
		return ProcessCodeOK
	}
	switch {
	case IsCryptoError(err):
		var coder ProcessCoder
		if errors.As(err, &coder) && coder.ProcessCode() < 0 {
			return coder.ProcessCode()
		}
		return ProcessCodeCrypto
	case IsParseError(err):
		return ProcessCodeParse
	default:
		return ProcessCodeOK
	}
}

// MapError normalizes any error into the rich envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureEnvelope(richErr)
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureEnvelope(goerrors.New(err.Error(), goerrors.CategoryBadInput).WithTextCode(ErrorBadInput))
	}
	return ensureEnvelope(goerrors.MapToError(err, goerrors.DefaultErrorMappers()))
}

func hasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == textCode
}

func ensureEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = httpStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryExternal:
		return ErrorTransport
	case goerrors.CategoryOperation:
		return ErrorBusiness
	default:
		return ErrorInternal
	}
}

func httpStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryExternal, goerrors.CategoryOperation:
		return http.StatusBadGateway
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
