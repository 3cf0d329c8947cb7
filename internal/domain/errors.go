package domain

import "errors"

var (
	// ErrMissingConfig is returned when no configuration source was supplied.
	ErrMissingConfig = errors.New("configuration file is required")
	// ErrInvalidRange is returned when the query window starts after it ends.
	ErrInvalidRange = errors.New("start time is after end time")
	// ErrInvalidStory is returned when the chronicle or story name is empty.
	ErrInvalidStory = errors.New("chronicle and story names are required")
	// ErrBackendUnavailable is returned when the archive cannot be opened.
	ErrBackendUnavailable = errors.New("archive backend unavailable")
	// ErrReadFailure is returned when an archive read fails on I/O or corrupt data.
	ErrReadFailure = errors.New("archive read failed")

	ErrChunkSealed        = errors.New("story chunk is sealed")
	ErrChunkReleased      = errors.New("story chunk is released")
	ErrChunkOwned         = errors.New("story chunk already belongs to a collection")
	ErrOutOfOrder         = errors.New("event is older than the last event in the chunk")
	ErrCollectionReleased = errors.New("chunk collection is released")
)
