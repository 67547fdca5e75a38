package domain

import "errors"

var (
	ErrMalformedReading = errors.New("malformed sensor reading")
	ErrReadingNotFound  = errors.New("sensor reading not found")
)
