package internal

// Conn is the outbound side of one client connection.
// Enqueue never blocks; it reports false when the message was dropped.
type Conn interface {
	ID() string
	Enqueue(msg any) bool
	Close() error
}
