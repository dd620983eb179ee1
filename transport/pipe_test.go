package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/corvoio/corvo/wamp"
)

func recvOne(t *testing.T, tr Transport) wamp.Message {
	t.Helper()
	select {
	case msg, ok := <-tr.Recv():
		if !ok {
			t.Fatal("transport closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	return nil
}

func TestPipeDeliversBothDirections(t *testing.T) {
	a, b := Pipe(1)
	defer a.Close()
	defer b.Close()

	if err := a.Send(&wamp.Hello{Realm: "realm1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if hello, ok := recvOne(t, b).(*wamp.Hello); !ok || hello.Realm != "realm1" {
		t.Fatalf("received %#v", hello)
	}

	if err := b.Send(&wamp.Welcome{Session: 7}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if welcome, ok := recvOne(t, a).(*wamp.Welcome); !ok || welcome.Session != 7 {
		t.Fatalf("received %#v", welcome)
	}
}

func TestPipeCloseIsIdempotentAndEndsRecv(t *testing.T) {
	a, b := Pipe(1)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case _, ok := <-b.Recv():
		if ok {
			t.Fatal("message after close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never saw the close")
	}

	if err := a.Send(&wamp.Goodbye{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestPipeSendUnblocksOnClose(t *testing.T) {
	a, b := Pipe(0)
	defer b.Close()

	errc := make(chan error, 1)
	go func() {
		// Unbuffered pipe with no reader: Send blocks until Close.
		errc <- a.Send(&wamp.Published{Request: 1})
	}()

	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked send returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send still blocked after close")
	}
}

func TestPipeSizeLimit(t *testing.T) {
	a, b := PipeWithLimit(1, 2)
	defer a.Close()
	defer b.Close()

	if err := a.Send(&wamp.Result{Request: 1, Args: []any{1, 2}}); err != nil {
		t.Fatalf("send within limit: %v", err)
	}
	recvOne(t, b)

	err := a.Send(&wamp.Result{Request: 2, Args: []any{1, 2, 3}})
	if !errors.Is(err, ErrMessageTooBig) {
		t.Fatalf("oversized send returned %v", err)
	}
}
