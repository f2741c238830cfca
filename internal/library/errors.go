package library

import "errors"

// ErrTrackNotFound is returned for lookups of unknown track IDs.
var ErrTrackNotFound = errors.New("track not found")
