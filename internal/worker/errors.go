package worker

import "errors"

var (
	// ErrNotDue — сообщение уже не в SCHEDULED или его время не наступило.
	ErrNotDue = errors.New("message is not due")

	// ErrBatchCancelled — батч отменён, новые попытки не начинаются.
	ErrBatchCancelled = errors.New("batch cancelled")

	// ErrClaimLost — захват истёк и перешёл к другому воркеру до записи исхода.
	ErrClaimLost = errors.New("claim lost")

	// ErrNotConfigured — в Config не заданы Store или Rescheduler.
	ErrNotConfigured = errors.New("worker requires store and rescheduler")

	// errNotExpired — захват продлён или снят, пока reaper его рассматривал.
	errNotExpired = errors.New("claim not expired")
)
