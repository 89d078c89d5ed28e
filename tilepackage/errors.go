package tilepackage

import (
	"errors"
	"fmt"
)

// EtagMismatchError indicates the etag has changed on the remote archive
// between range reads.
type EtagMismatchError struct {
	StatusCode int
}

func (m *EtagMismatchError) Error() string {
	return fmt.Sprintf("etag indicates archive has changed: %d", m.StatusCode)
}

// MalformedArchiveError indicates the archive's central directory could not
// be located or parsed.
type MalformedArchiveError struct {
	Reason string
}

func (m *MalformedArchiveError) Error() string {
	return "malformed archive: " + m.Reason
}

// UnsupportedCompressionError indicates a tile compression tag this reader
// does not recognize.
type UnsupportedCompressionError struct {
	Tag string
}

func (u *UnsupportedCompressionError) Error() string {
	return "unsupported tile compression: " + u.Tag
}

// ContainmentViolationError indicates the subdivider was invoked with a
// target tile that is not a descendant of the parent tile. It always
// indicates a programming bug in the caller.
type ContainmentViolationError struct {
	ParentZ uint8
	ParentX uint32
	ParentY uint32
	TargetZ uint8
	TargetX uint32
	TargetY uint32
}

func (c *ContainmentViolationError) Error() string {
	return fmt.Sprintf("tile %d/%d/%d is not contained in %d/%d/%d",
		c.TargetZ, c.TargetX, c.TargetY, c.ParentZ, c.ParentX, c.ParentY)
}

func isEtagMismatch(err error) bool {
	var mismatch *EtagMismatchError
	return errors.As(err, &mismatch)
}
