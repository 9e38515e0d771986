package service

import (
	"io"
	"sync/atomic"
)

// replayGuard wraps the one-shot inbound body so the retry layer can tell
// whether any bytes have already been consumed. Close is suppressed: the
// upstream transport closes the request body after every attempt, while the
// inbound stream belongs to the server and must stay readable for a retry.
type replayGuard struct {
	src      io.Reader
	consumed atomic.Bool
}

func newReplayGuard(src io.Reader) *replayGuard {
	return &replayGuard{src: src}
}

func (g *replayGuard) Read(p []byte) (int, error) {
	n, err := g.src.Read(p)
	if n > 0 {
		g.consumed.Store(true)
	}
	return n, err
}

func (g *replayGuard) Close() error { return nil }

// Pristine reports whether no bytes have been taken from the stream yet.
func (g *replayGuard) Pristine() bool { return !g.consumed.Load() }
