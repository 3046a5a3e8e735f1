package artifact

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Location names one uploaded artifact.
type Location struct {
	Container string `json:"container"`
	Blob      string `json:"blob"`
}

func (l Location) String() string {
	return l.Container + "/" + l.Blob
}

// IsZero reports whether the location was never assigned.
func (l Location) IsZero() bool {
	return l.Container == "" && l.Blob == ""
}

// NewLocation returns a fresh blob name in container with the given file
// extension.
func NewLocation(container, ext string) Location {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return Location{Container: container, Blob: uuid.NewString() + ext}
}

// Store holds artifacts and hands out time-limited read URLs for them.
type Store interface {
	// Upload writes r to loc and returns a read-only URL for it.
	Upload(ctx context.Context, loc Location, r io.Reader) (string, error)

	// Delete removes the artifact. Deleting an absent artifact succeeds.
	Delete(ctx context.Context, loc Location) error
}
