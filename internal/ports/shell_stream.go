package ports

// StreamHandler receives asynchronous notifications from a ShellStream.
// Either callback may be nil. Callbacks run on the stream's own goroutine
// and must not block.
type StreamHandler struct {
	// OnData is called whenever new inbound data has been buffered.
	OnData func()

	// OnError is called when the transport reports an error.
	OnError func(err error)
}

// ShellStream is the bidirectional, line-oriented channel to an interactive
// shell. The instrumentation core depends only on this capability set.
type ShellStream interface {
	// Read returns the inbound text buffered so far and clears the buffer.
	// It never blocks and returns "" when nothing is buffered.
	Read() string

	// DataAvailable reports whether unread inbound text is buffered.
	DataAvailable() bool

	// WriteLine appends the session's line terminator to line and transmits it.
	WriteLine(line string) error

	// Subscribe registers h for notifications until the returned function
	// is called.
	Subscribe(h StreamHandler) (unsubscribe func())

	// Close releases the underlying channel.
	Close() error
}
