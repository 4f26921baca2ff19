package utils

import "errors"

var (
	ErrorRecordNotFound   = errors.New("record not found")
	ErrorTenantRequired   = errors.New("tenant id is required")
	ErrorUserRequired     = errors.New("user id is required")
	ErrorDuplicateRecord  = errors.New("duplicate record")
	ErrorConcurrentUpdate = errors.New("record was changed concurrently")
)
