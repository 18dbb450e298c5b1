package dialog

import (
	"errors"
	"fmt"
	"time"
)

// Сентинельные ошибки пакета. Конструкторы типизированных ошибок ниже
// оборачивают их через Cause, поэтому errors.Is работает на обоих уровнях.
var (
	// ErrDialogTerminated возвращается при операциях над завершенным диалогом
	ErrDialogTerminated = errors.New("dialog terminated")

	// ErrInvalidState возвращается когда операция недопустима в текущем состоянии
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrDialogNotFound возвращается когда диалог не найден в менеджере
	ErrDialogNotFound = errors.New("dialog not found")

	// ErrDialogExists возвращается при повторной регистрации ключа диалога
	ErrDialogExists = errors.New("dialog already exists")

	// ErrIncompleteKey возвращается при регистрации диалога без обоих тегов
	ErrIncompleteKey = errors.New("dialog key incomplete")
)

// ErrorCategory категории ошибок для классификации
type ErrorCategory string

const (
	// ErrorCategoryState ошибки переходов состояний
	ErrorCategoryState ErrorCategory = "STATE"
	// ErrorCategoryDialog ошибки жизненного цикла диалога
	ErrorCategoryDialog ErrorCategory = "DIALOG"
	// ErrorCategoryProtocol нарушения протокола SIP
	ErrorCategoryProtocol ErrorCategory = "PROTOCOL"
	// ErrorCategoryRecovery ошибки восстановления диалога
	ErrorCategoryRecovery ErrorCategory = "RECOVERY"
)

// String возвращает строковое представление категории ошибки
func (ec ErrorCategory) String() string {
	return string(ec)
}

// ErrorSeverity уровни критичности ошибок
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "CRITICAL" // Критичная ошибка, требует немедленного внимания
	ErrorSeverityError    ErrorSeverity = "ERROR"    // Серьезная ошибка, операция не может быть завершена
	ErrorSeverityWarning  ErrorSeverity = "WARNING"  // Предупреждение, операция может быть продолжена
)

// String возвращает строковое представление уровня критичности
func (es ErrorSeverity) String() string {
	return string(es)
}

// DialogError структурированная ошибка с контекстом диалога
type DialogError struct {
	// Code уникальный код ошибки
	Code string
	// Message человекочитаемое сообщение
	Message string
	// Category категория ошибки
	Category ErrorCategory
	// Severity уровень критичности
	Severity ErrorSeverity

	// Key ключ диалога, если известен
	Key DialogKey
	// State состояние диалога на момент ошибки
	State DialogState
	// Timestamp время возникновения ошибки
	Timestamp time.Time

	// Fields дополнительные поля контекста
	Fields map[string]interface{}
	// Cause исходная ошибка
	Cause error
	// Retryable можно ли повторить операцию
	Retryable bool
}

// Error реализует интерфейс error
func (e *DialogError) Error() string {
	if e.Key.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (Call-ID: %s)", e.Category, e.Code, e.Message, e.Key.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *DialogError) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле к ошибке
func (e *DialogError) WithField(key string, value interface{}) *DialogError {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *DialogError) WithCause(cause error) *DialogError {
	e.Cause = cause
	return e
}

// WithKey добавляет ключ диалога
func (e *DialogError) WithKey(key DialogKey) *DialogError {
	e.Key = key
	return e
}

// IsRetryable проверяет, можно ли повторить операцию
func (e *DialogError) IsRetryable() bool {
	return e.Retryable
}

// NewDialogError создает новую структурированную ошибку
func NewDialogError(code, message string, category ErrorCategory, severity ErrorSeverity) *DialogError {
	return &DialogError{
		Code:      code,
		Message:   message,
		Category:  category,
		Severity:  severity,
		Timestamp: time.Now(),
	}
}

// Предопределенные конструкторы для частых случаев

// ErrOperationOnTerminated операция над завершенным диалогом
func ErrOperationOnTerminated(key DialogKey, operation string) *DialogError {
	return NewDialogError(
		"DIALOG_TERMINATED",
		fmt.Sprintf("Нельзя выполнить операцию '%s': диалог завершен", operation),
		ErrorCategoryDialog,
		ErrorSeverityError,
	).WithKey(key).WithField("operation", operation).WithCause(ErrDialogTerminated)
}

// ErrInvalidDialogState операция недопустима в текущем состоянии
func ErrInvalidDialogState(current DialogState, operation string) *DialogError {
	e := NewDialogError(
		"INVALID_DIALOG_STATE",
		fmt.Sprintf("Нельзя выполнить операцию '%s' в состоянии %s", operation, current),
		ErrorCategoryState,
		ErrorSeverityError,
	).WithField("operation", operation).WithCause(ErrInvalidState)
	e.State = current
	return e
}

// ErrRecoveryNotAllowed вход в восстановление вне Confirmed
func ErrRecoveryNotAllowed(current DialogState) *DialogError {
	e := NewDialogError(
		"RECOVERY_NOT_ALLOWED",
		fmt.Sprintf("Восстановление возможно только из Confirmed, текущее состояние %s", current),
		ErrorCategoryRecovery,
		ErrorSeverityError,
	).WithCause(ErrInvalidState)
	e.State = current
	return e
}
