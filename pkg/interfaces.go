package pkg

// Sink receives measurement records. Implementations buffer and flush on
// their own schedule; Save must not block on network I/O.
type Sink interface {
	Save(rec Record)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(rec Record)

func (f SinkFunc) Save(rec Record) { f(rec) }

// FlushingSink is a Sink holding buffered records until Close. Close flushes
// everything still buffered and must be called once, after the last Save.
type FlushingSink interface {
	Sink
	Close() error
}
