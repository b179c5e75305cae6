package cluster

import "errors"

var (
	ErrInvalidRequest = errors.New("invalid job request")
	ErrSubmitRejected = errors.New("cluster rejected submission")
)
