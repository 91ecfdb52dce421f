package kma

import "github.com/farlue/kma/internal/kmaerr"

// ErrOversizeRequest is returned when size exceeds what a single page can
// ever hold.
var ErrOversizeRequest = kmaerr.ErrOversizeRequest

// ErrInitialization is returned when a provider's page is too small to
// hold even the minimum header plus one byte of payload.
var ErrInitialization = kmaerr.ErrInitialization
