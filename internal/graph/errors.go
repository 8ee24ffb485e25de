package graph

import "errors"

var (
	// ErrDisconnected means the graph server connection is down and the
	// command could not be delivered.
	ErrDisconnected = errors.New("graph server disconnected")
	// ErrTimeout means the server did not bind the object within the
	// configured deadline.
	ErrTimeout = errors.New("graph command timed out waiting for bind")
	// ErrPortNotFound means a port selector matched nothing in time.
	ErrPortNotFound = errors.New("port not found")
	// ErrNodeNotFound means a referenced node is not in the mirror.
	ErrNodeNotFound = errors.New("node not found")
	// ErrInvalidArgument means the command carried an out-of-range or
	// malformed value.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotOwned means the command targeted an object the daemon did not
	// create. The engine refuses to destroy such objects.
	ErrNotOwned = errors.New("object not owned by daemon")
)
