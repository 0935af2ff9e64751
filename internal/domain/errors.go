package domain

import (
	"errors"
	"fmt"
)

// Классы ошибок конвейера рассылки.
var (
	// ErrValidation — некорректный ввод, отклонён до изменения состояния.
	ErrValidation = errors.New("validation error")

	// ErrNotFound — неизвестный batch/message.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition — нарушение таблицы переходов. Всегда ошибка вызывающего.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrRateLimitExceeded — планировщик не нашёл слот в пределах горизонта.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrGeneration — генератор контента не справился.
	ErrGeneration = errors.New("content generation failed")

	// ErrTransportTransient — временная ошибка транспорта (сеть, таймаут, 5xx).
	ErrTransportTransient = errors.New("transient transport error")

	// ErrTransportPermanent — постоянная ошибка транспорта (невалидный адрес, 4xx).
	ErrTransportPermanent = errors.New("permanent transport error")
)

// ErrorKind — машинно-читаемый класс ошибки для last_error.
type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindNotFound          ErrorKind = "not_found"
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"
	ErrorKindRateLimit         ErrorKind = "rate_limit_exceeded"
	ErrorKindGeneration        ErrorKind = "generation"
	ErrorKindTransient         ErrorKind = "transport_transient"
	ErrorKindPermanent         ErrorKind = "transport_permanent"
	ErrorKindBounce            ErrorKind = "bounce"
	ErrorKindClaimExpired      ErrorKind = "claim_expired"
	ErrorKindInternal          ErrorKind = "internal"
)

// ErrorInfo — структурированная ошибка, сохраняемая в сообщении.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ValidationError — ошибка валидации конкретного поля.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError создаёт ValidationError с форматированной причиной.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError — попытка недопустимого перехода.
type TransitionError struct {
	From MessageStatus
	To   MessageStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// TransportFailure — класс отказа транспорта.
type TransportFailure string

const (
	TransportTransient TransportFailure = "transient"
	TransportPermanent TransportFailure = "permanent"
	TransportBounce    TransportFailure = "bounce"
)

// TransportError — ошибка транспорта с классификацией.
type TransportError struct {
	Failure TransportFailure
	Code    int // код протокола (SMTP reply / HTTP status), 0 если нет
	Err     error
}

// NewTransientError оборачивает err как временную ошибку.
func NewTransientError(code int, err error) *TransportError {
	return &TransportError{Failure: TransportTransient, Code: code, Err: err}
}

// NewPermanentError оборачивает err как постоянную ошибку.
func NewPermanentError(code int, err error) *TransportError {
	return &TransportError{Failure: TransportPermanent, Code: code, Err: err}
}

// NewBounceError оборачивает err как явный bounce.
func NewBounceError(code int, err error) *TransportError {
	return &TransportError{Failure: TransportBounce, Code: code, Err: err}
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport %s (%d): %v", e.Failure, e.Code, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Failure, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Failure == TransportTransient {
		return []error{ErrTransportTransient, e.Err}
	}
	return []error{ErrTransportPermanent, e.Err}
}

// Kind возвращает ErrorKind для last_error.
func (e *TransportError) Kind() ErrorKind {
	switch e.Failure {
	case TransportTransient:
		return ErrorKindTransient
	case TransportBounce:
		return ErrorKindBounce
	default:
		return ErrorKindPermanent
	}
}

// ClassifyTransport приводит произвольную ошибку транспорта к TransportError.
// Неклассифицированные ошибки считаются временными.
func ClassifyTransport(err error) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return NewTransientError(0, err)
}

// KindOf возвращает ErrorKind для произвольной ошибки.
func KindOf(err error) ErrorKind {
	var te *TransportError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return te.Kind()
	case errors.Is(err, ErrValidation):
		return ErrorKindValidation
	case errors.Is(err, ErrNotFound):
		return ErrorKindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return ErrorKindInvalidTransition
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrorKindRateLimit
	case errors.Is(err, ErrGeneration):
		return ErrorKindGeneration
	default:
		return ErrorKindInternal
	}
}

// NewErrorInfo строит ErrorInfo из ошибки.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
}
