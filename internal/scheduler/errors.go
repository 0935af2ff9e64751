package scheduler

import "errors"

// ErrClaimMismatch — сообщение больше не принадлежит вызывающему воркеру
// (захват истёк и был переназначен).
var ErrClaimMismatch = errors.New("claim token mismatch")
