package cli

import "errors"

var (
	ErrUsage  = errors.New("invalid usage")
	ErrExport = errors.New("export failed")
)
