package batch

import "errors"

var (
	// ErrBatchActive — батч одобрен и отправляется; сначала его нужно отменить.
	ErrBatchActive = errors.New("batch is active")

	// ErrNothingApproved — после одобрения в батче не осталось ни одного сообщения.
	ErrNothingApproved = errors.New("no messages to approve")
)
