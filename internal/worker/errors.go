package worker

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки воркера.
var (
	// ErrHandlerNotRegistered — для типа task нет handler'а.
	// Терминальная ошибка: task сразу становится FAILED.
	ErrHandlerNotRegistered = errors.New("handler not registered")

	// ErrAlreadyRegistered — handler для типа уже зарегистрирован.
	ErrAlreadyRegistered = errors.New("handler already registered")

	// ErrPermanent — handler сообщает, что retry бессмыслен.
	// Оборачивается через Permanent(err).
	ErrPermanent = errors.New("permanent failure")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")
)

// HandlerNotRegisteredError содержит тип task и список известных типов.
type HandlerNotRegisteredError struct {
	Type  string
	Known []string
}

func (e *HandlerNotRegisteredError) Error() string {
	known := "none"
	if len(e.Known) > 0 {
		known = strings.Join(e.Known, ", ")
	}
	return fmt.Sprintf("no handler registered for task type %q (known: %s)", e.Type, known)
}

func (e *HandlerNotRegisteredError) Is(target error) bool {
	return target == ErrHandlerNotRegistered
}

// Permanent помечает ошибку handler'а как терминальную.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// isTerminal — ошибка, при которой task переводится в FAILED без retry.
func isTerminal(err error) bool {
	return errors.Is(err, ErrHandlerNotRegistered) || errors.Is(err, ErrPermanent)
}
