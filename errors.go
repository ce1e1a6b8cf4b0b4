package kamui

import (
	"errors"
	"fmt"
)

var (
	// ErrAgain signals that an operation cannot progress right now and
	// should be retried after a poll interval. Every non-blocking protocol
	// step returns it until the shared state advances.
	ErrAgain = errors.New("try again, cannot progress yet")

	// ErrRefused is returned by connect when no listen backlog exists for
	// the target address.
	ErrRefused = errors.New("connection refused")

	// ErrBrokenPipe marks a protocol invariant violated mid-stream, e.g. a
	// sequence or checksum mismatch. The connection is unrecoverable and
	// must be discarded.
	ErrBrokenPipe = errors.New("broken pipe")

	// ErrTimeout is returned by the poll driver when its budget is exceeded.
	ErrTimeout = errors.New("timed out")

	// ErrNotListening is a programming error: accept called before listen.
	ErrNotListening = errors.New("accept called before listen")

	// ErrIllegalArgument is a programming error, e.g. shutdown with an
	// unknown flag.
	ErrIllegalArgument = errors.New("error in function arguments")
)

// ErrConnNumsFull is reported by accept when all connection numbers are in
// use. It is a try-again condition: numbers free up as connections close.
var ErrConnNumsFull = fmt.Errorf("%w: connection numbers full", ErrAgain)
