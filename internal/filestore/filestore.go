package filestore

import "io"

// Store keeps background media blobs addressed by content hash. Slides
// reference media through metadata records; the bytes themselves live here.
type Store interface {
	// Put writes the media stream and returns its hex sha256 and size.
	// Storing the same bytes twice is a no-op yielding the same hash.
	Put(r io.Reader) (hash string, size int64, err error)

	// Open returns the media content for a hash.
	Open(hash string) (io.ReadCloser, error)

	// Remove deletes the media for a hash. A missing blob is not an error.
	Remove(hash string) error
}
