package memory

import "errors"

var (
	ErrImageNotFound = errors.New("image not found")
	ErrUnknownHandle = errors.New("unknown image handle")
	ErrArchive       = errors.New("invalid archive")
)
