package network

import "errors"

// ErrNotFound is returned when a NetworkLog requestId has no matching row.
var ErrNotFound = errors.New("network: not found")

// ErrInvalidExportFormat is returned by Export for any format outside
// {json, csv}.
var ErrInvalidExportFormat = errors.New("network: invalid export format")
