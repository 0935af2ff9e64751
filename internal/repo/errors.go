package repo

import (
	"errors"

	"github.com/shaiso/Outreach/internal/domain"
)

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена. Совместима с domain.ErrNotFound.
	ErrNotFound = domain.ErrNotFound

	// ErrConflict — CAS не прошёл: запись изменилась с момента чтения.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")
)
