package domain

import "errors"

var (
	ErrStoreUnavailable = errors.New("scenario store unavailable")
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrTemplateNotFound = errors.New("template not found")
)
