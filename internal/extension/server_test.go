package extension

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokens([]byte("secret"), time.Hour)

	tok, err := tokens.Issue("chrome")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	client, err := tokens.Validate(tok)
	if err != nil || client != "chrome" {
		t.Errorf("Validate = %q, %v", client, err)
	}

	if _, err := tokens.Validate("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token err = %v", err)
	}

	other := NewTokens([]byte("different"), time.Hour)
	if _, err := other.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret err = %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	tokens := NewTokens([]byte("secret"), time.Millisecond)
	tok, err := tokens.Issue("")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := tokens.Validate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token err = %v", err)
	}
}

func newTestServer(t *testing.T) (*Server, *Tokens, *httptest.Server) {
	t.Helper()
	tokens := NewTokens([]byte("secret"), time.Hour)
	srv := NewServer(tokens, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, tokens, ts
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestRejectsMissingToken(t *testing.T) {
	_, _, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("unauthenticated dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v", resp)
	}
}

func TestMethodDispatch(t *testing.T) {
	srv, tokens, ts := newTestServer(t)
	srv.RegisterMethod("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]string{"text": p.Text}, nil
	})
	srv.RegisterMethod("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("it broke")
	})

	tok, _ := tokens.Issue("test")
	conn := dialWS(t, ts, tok)

	send := func(req Request) Response {
		t.Helper()
		if err := conn.WriteJSON(req); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		return resp
	}

	resp := send(Request{ID: "1", Method: "echo", Params: json.RawMessage(`{"text":"hi"}`)})
	if resp.ID != "1" || resp.Error != "" {
		t.Fatalf("resp = %+v", resp)
	}
	result, _ := resp.Result.(map[string]any)
	if result["text"] != "hi" {
		t.Errorf("result = %v", resp.Result)
	}

	resp = send(Request{ID: "2", Method: "boom"})
	if resp.Error != "it broke" || resp.Result != nil {
		t.Errorf("error resp = %+v", resp)
	}

	resp = send(Request{ID: "3", Method: "nope"})
	if !strings.Contains(resp.Error, "unknown method") {
		t.Errorf("unknown method resp = %+v", resp)
	}
}
