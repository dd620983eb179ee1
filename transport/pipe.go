package transport

import (
	"sync"

	"github.com/corvoio/corvo/wamp"
)

// pipeEnd is one side of an in-process transport pair. It is used by the
// router's internal meta session, by embedded (in-process) clients, and
// throughout the tests.
type pipeEnd struct {
	out chan<- wamp.Message
	in  <-chan wamp.Message

	// sizeLimit, when non-zero, simulates a peer message size limit:
	// messages whose payload argument count exceeds it fail with
	// ErrMessageTooBig. Real transports enforce byte limits instead.
	sizeLimit int

	mu      sync.Mutex
	sending sync.WaitGroup
	closed  bool
	done    chan struct{}
}

// Pipe returns a connected pair of in-process transports with the given
// channel buffer size. Messages sent on one end are received on the other.
func Pipe(buffer int) (Transport, Transport) {
	return PipeWithLimit(buffer, 0)
}

// PipeWithLimit is Pipe with an artificial per-message size limit on both
// ends, used to exercise oversized-payload handling.
func PipeWithLimit(buffer, sizeLimit int) (Transport, Transport) {
	ab := make(chan wamp.Message, buffer)
	ba := make(chan wamp.Message, buffer)
	a := &pipeEnd{out: ab, in: ba, sizeLimit: sizeLimit, done: make(chan struct{})}
	b := &pipeEnd{out: ba, in: ab, sizeLimit: sizeLimit, done: make(chan struct{})}
	return a, b
}

func (p *pipeEnd) Send(msg wamp.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.sending.Add(1)
	p.mu.Unlock()
	defer p.sending.Done()

	if p.sizeLimit > 0 && payloadLen(msg) > p.sizeLimit {
		return ErrMessageTooBig
	}

	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

func (p *pipeEnd) Recv() <-chan wamp.Message { return p.in }

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	// Let in-flight sends drain before closing the outbound channel so the
	// peer sees a clean close.
	p.sending.Wait()
	close(p.out)
	return nil
}

func payloadLen(msg wamp.Message) int {
	switch m := msg.(type) {
	case *wamp.Result:
		return len(m.Args)
	case *wamp.Event:
		return len(m.Args)
	case *wamp.Invocation:
		return len(m.Args)
	case *wamp.Error:
		return len(m.Args)
	}
	return 0
}
