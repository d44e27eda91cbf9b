package pipe

import "fmt"

// OpenWriterWithFakeReader opens a non-blocking writer on path without
// requiring a real peer to have opened the reader end first. A
// non-blocking write-only open on a FIFO with no reader fails immediately
// (ENXIO); briefly opening path read-only+non-blocking first satisfies that
// precondition, and the throwaway reader is closed once the real writer is
// open. This sequence must run in this exact order — open the fake reader,
// then the writer, then close the fake reader — so that channel creation on
// the server side never blocks on the client's presence.
func OpenWriterWithFakeReader(path string) (*Writer, error) {
	fake, err := OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open fake reader on %q: %w", path, err)
	}
	defer fake.Close()

	w, err := OpenWriter(path)
	if err != nil {
		return nil, fmt.Errorf("open writer on %q: %w", path, err)
	}
	return w, nil
}
