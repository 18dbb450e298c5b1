package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode классифицирует ошибки медиа слоя по категориям.
type MediaErrorCode int

const (
	// Ошибки сессий и контроллера
	ErrorCodeSessionExists MediaErrorCode = iota + 1000
	ErrorCodeSessionNotFound
	ErrorCodeSessionClosed
	ErrorCodeSessionNotStarted
	ErrorCodeSessionActive
	ErrorCodeConfigInvalid

	// Ошибки аудио
	ErrorCodeAudioEmpty

	// Ошибки DTMF
	ErrorCodeDTMFDisabled
	ErrorCodeDTMFInvalidDigit
	ErrorCodeDTMFDurationInvalid

	// Ошибки мониторинга
	ErrorCodeMonitorActive

	// Ошибки SRTP
	ErrorCodeSRTPProtectFailed
)

// String возвращает символьное имя кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeSessionExists:
		return "SessionExists"
	case ErrorCodeSessionNotFound:
		return "SessionNotFound"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionNotStarted:
		return "SessionNotStarted"
	case ErrorCodeSessionActive:
		return "SessionActive"
	case ErrorCodeConfigInvalid:
		return "ConfigInvalid"
	case ErrorCodeAudioEmpty:
		return "AudioEmpty"
	case ErrorCodeDTMFDisabled:
		return "DTMFDisabled"
	case ErrorCodeDTMFInvalidDigit:
		return "DTMFInvalidDigit"
	case ErrorCodeDTMFDurationInvalid:
		return "DTMFDurationInvalid"
	case ErrorCodeMonitorActive:
		return "MonitorActive"
	case ErrorCodeSRTPProtectFailed:
		return "SRTPProtectFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError структурированная ошибка медиа слоя. Несет типизированный
// код, ключ диалога для сопоставления с логами и, возможно, обернутую
// причину.
type MediaError struct {
	Code    MediaErrorCode
	Message string
	Dialog  string
	Wrapped error
}

// Error реализует интерфейс error
func (e *MediaError) Error() string {
	if e.Dialog != "" {
		return fmt.Sprintf("[медиа:%s] диалог %s: %s", e.Code, e.Dialog, e.Message)
	}
	return fmt.Sprintf("[медиа:%s] %s", e.Code, e.Message)
}

// Unwrap возвращает обернутую причину
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду, поддерживая errors.Is
func (e *MediaError) Is(target error) bool {
	t, ok := target.(*MediaError)
	return ok && e.Code == t.Code
}

func newMediaError(code MediaErrorCode, dialog, format string, args ...any) *MediaError {
	return &MediaError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Dialog:  dialog,
	}
}

func wrapMediaError(code MediaErrorCode, dialog, message string, err error) *MediaError {
	return &MediaError{
		Code:    code,
		Message: message,
		Dialog:  dialog,
		Wrapped: err,
	}
}

// HasErrorCode проверяет, содержит ли цепочка ошибок указанный код
func HasErrorCode(err error, code MediaErrorCode) bool {
	var mediaErr *MediaError
	if errors.As(err, &mediaErr) {
		return mediaErr.Code == code
	}
	return false
}
