package dialog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"
)

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Uint32(key string, value uint32) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// StructuredLogger интерфейс для структурированного логирования
// диалогового слоя. Базовая реализация построена поверх log/slog,
// NoOpLogger используется в тестах.
type StructuredLogger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку, разворачивая контекст DialogError
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithDialog(d *Dialog) StructuredLogger
	WithFields(fields ...Field) StructuredLogger
}

// SlogLogger реализация StructuredLogger поверх log/slog
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger оборачивает готовый slog.Logger
func NewSlogLogger(log *slog.Logger) *SlogLogger {
	if log == nil {
		log = slog.Default()
	}
	return &SlogLogger{log: log}
}

// NewDefaultLogger создает logger с JSON выводом в stdout
func NewDefaultLogger() *SlogLogger {
	return &SlogLogger{log: slog.New(slog.NewJSONHandler(os.Stdout, nil))}
}

func fieldsToAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		// Ошибки выводятся строкой, иначе JSON handler сериализует
		// структуру ошибки целиком
		if err, ok := f.Value.(error); ok && err != nil {
			attrs = append(attrs, slog.String(f.Key, err.Error()))
			continue
		}
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func (l *SlogLogger) logAt(ctx context.Context, level slog.Level, msg string, fields []Field) {
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.LogAttrs(ctx, level, msg, fieldsToAttrs(fields)...)
}

func (l *SlogLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.logAt(ctx, slog.LevelDebug, msg, fields)
}

func (l *SlogLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.logAt(ctx, slog.LevelInfo, msg, fields)
}

func (l *SlogLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.logAt(ctx, slog.LevelWarn, msg, fields)
}

func (l *SlogLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.logAt(ctx, slog.LevelError, msg, fields)
}

// LogError логирует ошибку с дополнительной информацией.
// Для DialogError дополнительно выводятся код, категория и критичность.
func (l *SlogLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	fields = append(fields, Err(err))

	var de *DialogError
	if errors.As(err, &de) {
		fields = append(fields,
			String("error_code", de.Code),
			String("error_category", de.Category.String()),
			String("error_severity", de.Severity.String()),
			Bool("retryable", de.Retryable),
		)
		for k, v := range de.Fields {
			fields = append(fields, Any(k, v))
		}
	}

	l.Error(ctx, msg, fields...)
}

// WithComponent создает logger с указанным компонентом
func (l *SlogLogger) WithComponent(component string) StructuredLogger {
	return &SlogLogger{log: l.log.With(slog.String("component", component))}
}

// WithDialog создает logger с контекстом диалога
func (l *SlogLogger) WithDialog(d *Dialog) StructuredLogger {
	if d == nil {
		return l
	}
	return &SlogLogger{log: l.log.With(
		slog.String("call_id", d.CallID()),
		slog.String("local_tag", d.LocalTag()),
		slog.Bool("is_initiator", d.IsInitiator()),
	)}
}

// WithFields создает logger с дополнительными полями
func (l *SlogLogger) WithFields(fields ...Field) StructuredLogger {
	attrs := fieldsToAttrs(fields)
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	return &SlogLogger{log: l.log.With(args...)}
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)               {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithDialog(d *Dialog) StructuredLogger                                { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
