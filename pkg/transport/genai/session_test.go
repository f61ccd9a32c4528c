package genai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/MrWong99/milla/pkg/codec"
	"github.com/MrWong99/milla/pkg/transport"
	"github.com/MrWong99/milla/pkg/transport/genai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// liveServer runs handler for every upgraded connection. The connection is
// closed when handler returns without sending a close frame.
func liveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func baseURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

func newDialer(t *testing.T, srv *httptest.Server, opts ...genai.Option) *genai.Dialer {
	t.Helper()
	d, err := genai.New(context.Background(), "test-api-key", append([]genai.Option{genai.WithBaseURL(baseURL(srv))}, opts...)...)
	if err != nil {
		t.Fatalf("genai.New: %v", err)
	}
	return d
}

func dial(t *testing.T, srv *httptest.Server, cfg transport.Config) transport.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sess, err := newDialer(t, srv).Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return sess
}

func readRaw(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("read: %v", err)
	}
	return data
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Logf("write: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	readRaw(t, conn)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// waitClientClose blocks until the client goes away.
func waitClientClose(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func collect(t *testing.T, sess transport.Session) []transport.Event {
	t.Helper()
	var out []transport.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream not closed; got %d events so far", len(out))
			return out
		}
	}
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// inputBlobs extracts the media of one realtimeInput message, whichever
// field the SDK placed it in.
func inputBlobs(t *testing.T, data []byte) []blob {
	t.Helper()
	var msg struct {
		RealtimeInput struct {
			Audio       *blob  `json:"audio"`
			Video       *blob  `json:"video"`
			MediaChunks []blob `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Errorf("decode realtimeInput: %v", err)
		return nil
	}
	in := msg.RealtimeInput
	out := append([]blob(nil), in.MediaChunks...)
	if in.Audio != nil {
		out = append(out, *in.Audio)
	}
	if in.Video != nil {
		out = append(out, *in.Video)
	}
	return out
}

// ── Dial ──────────────────────────────────────────────────────────────────────

func TestDial_Handshake(t *testing.T) {
	t.Parallel()

	type request struct {
		path, query, keyHeader string
		setup                  string
	}
	got := make(chan request, 1)
	srv := liveServer(t, func(conn *websocket.Conn, r *http.Request) {
		setup := readRaw(t, conn)
		got <- request{
			path:      r.URL.Path,
			query:     r.URL.RawQuery,
			keyHeader: r.Header.Get("x-goog-api-key"),
			setup:     string(setup),
		}
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		waitClientClose(conn)
	})

	sess := dial(t, srv, transport.Config{
		Voice:        "Kore",
		Instructions: "You are a friendly companion.",
		Model:        "custom-model",
		Transcribe:   true,
	})
	defer sess.Close()

	req := <-got
	if !strings.HasSuffix(req.path, "BidiGenerateContent") {
		t.Errorf("path = %q, want the BidiGenerateContent endpoint", req.path)
	}
	if !strings.Contains(req.query, "key=test-api-key") && req.keyHeader != "test-api-key" {
		t.Errorf("API key not sent (query %q, header %q)", req.query, req.keyHeader)
	}
	for _, want := range []string{`"setup"`, "custom-model", "Kore", "You are a friendly companion.", "AUDIO"} {
		if !strings.Contains(req.setup, want) {
			t.Errorf("setup message %s does not contain %q", req.setup, want)
		}
	}
}

func TestDial_Rejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "API key not valid", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	_, err := newDialer(t, srv).Dial(context.Background(), transport.Config{})
	if !errors.Is(err, transport.ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
}

func TestDial_ServerClosesBeforeSetupComplete(t *testing.T) {
	t.Parallel()

	srv := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readRaw(t, conn)
		closeWith(conn, websocket.ClosePolicyViolation, "invalid setup")
	})

	_, err := newDialer(t, srv).Dial(context.Background(), transport.Config{})
	if !errors.Is(err, transport.ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
}

func TestDial_ContextCancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	srv := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never acknowledge the setup.
		waitClientClose(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := newDialer(t, srv).Dial(ctx, transport.Config{})
	if !errors.Is(err, transport.ErrHandshakeFailed) {
		t.Fatalf("err = %v, want ErrHandshakeFailed", err)
	}
	if took := time.Since(start); took > 3*time.Second {
		t.Errorf("Dial returned after %v, want shortly after the deadline", took)
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_PreservesOrder(t *testing.T) {
	t.Parallel()

	const n = 5
	got := make(chan []blob, 1)
	srv := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var blobs []blob
		for len(blobs) < n {
			b := inputBlobs(t, readRaw(t, conn))
			if len(b) == 0 {
				break
			}
			blobs = append(blobs, b...)
		}
		got <- blobs
		waitClientClose(conn)
	})

	sess := dial(t, srv, transport.Config{})
	defer sess.Close()

	var want []blob
	for i := range n {
		payload := base64.StdEncoding.EncodeToString([]byte{byte(i), byte(i + 1)})
		want = append(want, blob{MIMEType: "audio/pcm;rate=16000", Data: payload})
		sess.Send(codec.EncodedChunk{Kind: codec.KindAudio, MIMEType: "audio/pcm;rate=16000", Data: payload})
	}

	select {
	case blobs := <-got:
		if diff := cmp.Diff(want, blobs); diff != "" {
			t.Errorf("outbound order mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for outbound chunks")
	}
}

func TestSend_VideoAck(t *testing.T) {
	t.Parallel()

	srv := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		readRaw(t, conn)
		readRaw(t, conn)
		waitClientClose(conn)
	})

	sess := dial(t, srv, transport.Config{})
	defer sess.Close()

	sess.Send(codec.EncodedChunk{Kind: codec.KindVideo, MIMEType: codec.MIMEImageJPEG, Data: "AAEC"})
	sess.Send(codec.EncodedChunk{Kind: codec.KindVideo, MIMEType: codec.MIMEImageJPEG, Data: "AwQF"})

	for want := uint64(1); want <= 2; want++ {
		select {
		case ev := <-sess.Events():
			ack, ok := ev.(transport.VideoAck)
			if !ok {
				t.Fatalf("event = %T, want VideoAck", ev)
			}
			if ack.Seq != want {
				t.Errorf("Seq = %d, want %d", ack.Seq, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for VideoAck")
		}
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_ServerContentThenGracefulClose(t *testing.T) {
	t.Parallel()

	pcm := base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB, 0xCC, 0xDD})
	srv := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": pcm}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		closeWith(conn, websocket.CloseNormalClosure, "bye")
	})

	sess := dial(t, srv, transport.Config{})
	defer sess.Close()

	want := []transport.Event{
		transport.AudioChunk{Chunk: codec.EncodedChunk{Kind: codec.KindAudio, MIMEType: "audio/pcm;rate=24000", Data: pcm}},
		transport.TurnComplete{},
		transport.Closed{},
	}
	if diff := cmp.Diff(want, collect(t, sess)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents_RuntimeFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		end  func(conn *websocket.Conn)
	}{
		{"server error close", func(conn *websocket.Conn) {
			closeWith(conn, websocket.CloseInternalServerErr, "internal")
		}},
		{"connection dropped", func(*websocket.Conn) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
				acceptSetup(t, conn)
				tt.end(conn)
			})

			sess := dial(t, srv, transport.Config{})
			defer sess.Close()

			events := collect(t, sess)
			if len(events) != 2 {
				t.Fatalf("got %d events, want Error then Closed: %#v", len(events), events)
			}
			e, ok := events[0].(transport.Error)
			if !ok || !errors.Is(e.Err, transport.ErrTransportRuntime) {
				t.Errorf("events[0] = %#v, want Error wrapping ErrTransportRuntime", events[0])
			}
			c, ok := events[1].(transport.Closed)
			if !ok || !errors.Is(c.Err, transport.ErrTransportRuntime) {
				t.Errorf("events[1] = %#v, want Closed wrapping ErrTransportRuntime", events[1])
			}
		})
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := liveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitClientClose(conn)
	})

	sess := dial(t, srv, transport.Config{})
	for range 3 {
		if err := sess.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	sess.Send(codec.EncodedChunk{Kind: codec.KindAudio, Data: "AAAA"})

	if diff := cmp.Diff([]transport.Event{transport.Closed{}}, collect(t, sess)); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
