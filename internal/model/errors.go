package model

import "errors"

// ErrConfiguration marks invalid or contradictory user configuration. Callers
// wrap it with detail: fmt.Errorf("%w: ...", ErrConfiguration).
var ErrConfiguration = errors.New("configuration error")
