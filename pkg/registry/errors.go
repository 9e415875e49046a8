package registry

import "fmt"

var (
	StreamNotExist   = "StreamNotExist"
	StreamPublishing = "StreamAlreadyPublishing"
)

type StreamNotFound struct {
	Path StreamPath
}

func (e StreamNotFound) Error() string {
	return fmt.Sprintf("%s: %s", StreamNotExist, e.Path)
}

// StreamBusy is returned when a second publisher claims an occupied path.
type StreamBusy struct {
	Path StreamPath
}

func (e StreamBusy) Error() string {
	return fmt.Sprintf("%s: %s", StreamPublishing, e.Path)
}

type PlayerNotFound struct {
	Path StreamPath
	ID   string
}

func (e PlayerNotFound) Error() string {
	return fmt.Sprintf("player %s is not attached to %s", e.ID, e.Path)
}

// InvalidPath is returned by ParseStreamPath.
type InvalidPath struct {
	Raw string
}

func (e InvalidPath) Error() string {
	return fmt.Sprintf("invalid stream path %q", e.Raw)
}
