package domain

import "errors"

// Ошибки состояния task.
var (
	// ErrNotOwner — операцию вызвал воркер, не держащий lease.
	ErrNotOwner = errors.New("not lease owner")

	// ErrAlreadyTerminal — task уже COMPLETED или FAILED.
	ErrAlreadyTerminal = errors.New("task already terminal")

	// ErrInvalidState — операция невозможна в текущем статусе.
	ErrInvalidState = errors.New("invalid state")

	// ErrOutOfRange — значение вне допустимого диапазона (progress).
	ErrOutOfRange = errors.New("out of range")

	// ErrInvalidTask — некорректные поля при создании task.
	ErrInvalidTask = errors.New("invalid task")
)
