package node

import "errors"

// Command result errors, returned synchronously from the public API.
var (
	ErrNotRunning      = errors.New("node not running")
	ErrAlreadyRunning  = errors.New("node already running")
	ErrNoSuchPeer      = errors.New("no such peer")
	ErrQueueFull       = errors.New("queue full")
	ErrTooLarge        = errors.New("too large")
	ErrInvalidArgument = errors.New("invalid argument")
)
