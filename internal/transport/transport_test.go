package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisperlink/backend/internal/session"
)

// recorder is an EventSink that keeps every event it receives.
type recorder struct {
	mu     sync.Mutex
	events []session.Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1024)}
}

func (r *recorder) Deliver(ev session.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

// waitFor blocks until n events arrived and returns a snapshot.
func (r *recorder) waitFor(t *testing.T, n int) []session.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]session.Event(nil), r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeHello(&buf, "0x04abcd"); err != nil {
		t.Fatalf("writeHello() failed: %v", err)
	}
	if err := writeFrame(&buf, FrameData, []byte("payload")); err != nil {
		t.Fatalf("writeFrame() failed: %v", err)
	}

	hello, err := readHello(&buf)
	if err != nil {
		t.Fatalf("readHello() failed: %v", err)
	}
	if hello.Address != "0x04abcd" {
		t.Errorf("hello address = %q", hello.Address)
	}

	ft, data, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame() failed: %v", err)
	}
	if ft != FrameData || string(data) != "payload" {
		t.Errorf("frame = (%d, %q)", ft, data)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	header := []byte{byte(FrameData), 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := readFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("readFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadHelloRejectsDataFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = writeFrame(&buf, FrameData, []byte("{}"))
	if _, err := readHello(&buf); !errors.Is(err, ErrUnexpectedFrame) {
		t.Errorf("readHello() error = %v, want ErrUnexpectedFrame", err)
	}
}

func TestMemoryDialSendClose(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")

	aliceSink, bobSink := newRecorder(), newRecorder()
	alice.Bind(aliceSink)
	bob.Bind(bobSink)

	h, err := alice.Dial(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	if h.Peer() != "bob" {
		t.Errorf("Peer() = %q, want bob", h.Peer())
	}

	for _, msg := range []string{"one", "two", "three"} {
		if err := alice.Send(h, []byte(msg)); err != nil {
			t.Fatalf("Send() failed: %v", err)
		}
	}
	if err := alice.Close(h); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	events := bobSink.waitFor(t, 6)
	wantKinds := []session.EventKind{
		session.EventIncoming, session.EventOpened,
		session.EventData, session.EventData, session.EventData,
		session.EventClosed,
	}
	for i, want := range wantKinds {
		if events[i].Kind != want {
			t.Fatalf("event %d = %s, want %s", i, events[i].Kind, want)
		}
	}
	if events[0].Handle.Peer() != "alice" {
		t.Errorf("inbound peer = %q, want alice", events[0].Handle.Peer())
	}
	if string(events[2].Data) != "one" || string(events[4].Data) != "three" {
		t.Error("data delivered out of order")
	}

	if err := alice.Send(h, []byte("late")); !errors.Is(err, ErrConnClosed) {
		t.Errorf("Send() after close error = %v, want ErrConnClosed", err)
	}
	if err := alice.Close(h); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestMemoryDialUnreachable(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")

	if _, err := alice.Dial(context.Background(), "nobody"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Dial() error = %v, want ErrUnreachable", err)
	}

	// registered but never bound
	network.Endpoint("sleeper")
	if _, err := alice.Dial(context.Background(), "sleeper"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Dial(unbound) error = %v, want ErrUnreachable", err)
	}
}

func TestMemoryBreak(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")
	aliceSink, bobSink := newRecorder(), newRecorder()
	alice.Bind(aliceSink)
	bob.Bind(bobSink)

	h, err := alice.Dial(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	alice.Break(h, errors.New("cable cut"))

	if ev := aliceSink.waitFor(t, 1)[0]; ev.Kind != session.EventError {
		t.Errorf("local event = %s, want error", ev.Kind)
	}
	if ev := bobSink.waitFor(t, 3)[2]; ev.Kind != session.EventError {
		t.Errorf("remote event = %s, want error", ev.Kind)
	}
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{"0x04aa": "127.0.0.1:4433"}
	got, err := r.Resolve(context.Background(), "0x04aa")
	if err != nil || got != "127.0.0.1:4433" {
		t.Errorf("Resolve() = %q, %v", got, err)
	}
	if _, err := r.Resolve(context.Background(), "0x04bb"); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Resolve(unknown) error = %v", err)
	}
}

func TestQUICLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping QUIC loopback in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := NewQUIC("0x04server", nil, QUICOptions{})
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	defer server.Shutdown()
	serverSink := newRecorder()
	server.Bind(serverSink)
	go server.Serve(ctx)

	client := NewQUIC("0x04client", StaticResolver{"0x04server": server.Addr()}, QUICOptions{})
	clientSink := newRecorder()
	client.Bind(clientSink)
	defer client.Shutdown()

	h, err := client.Dial(ctx, "0x04server")
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	if err := client.Send(h, []byte(`{"messageType":"text"}`)); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}

	events := serverSink.waitFor(t, 3)
	if events[0].Kind != session.EventIncoming || events[0].Handle.Peer() != "0x04client" {
		t.Fatalf("first event = %s from %q", events[0].Kind, events[0].Handle.Peer())
	}
	if events[2].Kind != session.EventData || !strings.Contains(string(events[2].Data), "text") {
		t.Fatalf("third event = %s %q", events[2].Kind, events[2].Data)
	}

	// reply on the inbound handle
	if err := server.Send(events[0].Handle, []byte("pong")); err != nil {
		t.Fatalf("server Send() failed: %v", err)
	}
	reply := clientSink.waitFor(t, 1)
	if reply[0].Kind != session.EventData || string(reply[0].Data) != "pong" {
		t.Errorf("client event = %s %q", reply[0].Kind, reply[0].Data)
	}
}
