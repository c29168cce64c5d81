package service

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage: сбой бэкенда хранилища. В фоне задача повторяется.
	ErrStorage = errors.New("storage operation failed")
	// ErrPersistence: сбой записи в базу. В фоне задача повторяется.
	ErrPersistence = errors.New("database operation failed")

	ErrNotFound      = errors.New("publication not found")
	ErrForbidden     = errors.New("access denied")
	ErrQuotaExceeded = errors.New("not enough storage space available")
)

// ValidationError: некорректный ввод клиента. Никогда не повторяется.
type ValidationError struct {
	Field    string
	Message  string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation сообщает, что err (или обёрнутая в нём ошибка): ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
