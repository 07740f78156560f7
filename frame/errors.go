package frame

import "errors"

// These are all unrecoverable for the affected segment: per spec.md §4.1
// they trigger restore-from-backend rather than any local repair attempt.
var (
	ErrInvalidPageSize       = errors.New("frame: invalid page size")
	ErrInvalidHeaderVersion  = errors.New("frame: invalid header version")
	ErrInvalidHeaderChecksum = errors.New("frame: invalid header checksum")
	ErrInvalidFrameChecksum  = errors.New("frame: invalid frame checksum")
)
