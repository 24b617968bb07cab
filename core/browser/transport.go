// Package browser implements the headless browser automation engine (C6):
// navigation, form fill, evidence capture, per-domain stealth rate
// limiting, fingerprint rotation, and CAPTCHA-pause handling, all confined
// to a broker's declared origin.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/scrubline/scrubline/core/apperr"
)

// PageTransport is the narrow command set the engine issues against a
// single browser page. A page is pinned to exactly one task at a time
// (spec.md §5 "single-writer per page"); the engine never shares a
// PageTransport across concurrent tasks.
type PageTransport interface {
	// Navigate loads url and waits for the page's load event.
	Navigate(ctx context.Context, url string) error
	// Eval runs js in the page context and returns its JSON-stringified
	// result, used both to read a sanitized textual abstraction of the
	// page and to detect CAPTCHA elements.
	Eval(ctx context.Context, js string) (string, error)
	// Fill types value into the element matched by selector.
	Fill(ctx context.Context, selector, value string) error
	// Click clicks the element matched by selector.
	Click(ctx context.Context, selector string) error
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// CurrentURL returns the page's current location, used to enforce
	// origin confinement after a navigation or click.
	CurrentURL(ctx context.Context) (string, error)
	// Close tears down the page cleanly, within the cancellation grace
	// period spec.md §5 allows for evidence capture on teardown.
	Close() error
}

// cdpCommand is the JSON-RPC shape the local debugging transport speaks,
// modeled on the Chrome DevTools Protocol's websocket framing.
type cdpCommand struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CDPTransport implements PageTransport over a websocket connection to a
// headless browser's local debugging endpoint (spec.md §6 "controls a
// headless browser subprocess over a local debugging transport").
type CDPTransport struct {
	conn    *websocket.Conn
	nextID  int64
	timeout time.Duration
}

// DialCDP opens a websocket connection to a browser subprocess's local
// debugging address (e.g. ws://127.0.0.1:9222/devtools/page/<id>).
// actionTimeout bounds every individual command (spec.md §5 default 30s).
func DialCDP(ctx context.Context, debuggingWSURL string, actionTimeout time.Duration) (*CDPTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, debuggingWSURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "dialing browser debugging transport", err).WithRetryable(true)
	}
	if actionTimeout <= 0 {
		actionTimeout = 30 * time.Second
	}
	return &CDPTransport{conn: conn, timeout: actionTimeout}, nil
}

func (t *CDPTransport) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := atomic.AddInt64(&t.nextID, 1)
	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(cdpCommand{ID: id, Method: method, Params: params}); err != nil {
		return nil, apperr.Wrap(apperr.KindIO, "writing browser command", err).WithRetryable(true)
	}

	_ = t.conn.SetReadDeadline(deadline)
	for {
		var resp cdpResponse
		if err := t.conn.ReadJSON(&resp); err != nil {
			return nil, apperr.Wrap(apperr.KindIO, "reading browser response", err).WithRetryable(true)
		}
		if resp.ID != id {
			continue // an unrelated event frame; CDP multiplexes events and responses on one socket
		}
		if resp.Error != nil {
			return nil, apperr.New(apperr.KindProtocol, fmt.Sprintf("browser command %s failed: %s", method, resp.Error.Message))
		}
		return resp.Result, nil
	}
}

func (t *CDPTransport) Navigate(ctx context.Context, url string) error {
	_, err := t.call(ctx, "Page.navigate", map[string]any{"url": url})
	return err
}

func (t *CDPTransport) Eval(ctx context.Context, js string) (string, error) {
	raw, err := t.call(ctx, "Runtime.evaluate", map[string]any{"expression": js, "returnByValue": true})
	if err != nil {
		return "", err
	}
	var out struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", apperr.Wrap(apperr.KindProtocol, "decoding eval result", err)
	}
	return out.Result.Value, nil
}

func (t *CDPTransport) Fill(ctx context.Context, selector, value string) error {
	js := fmt.Sprintf(`(function(){var el=document.querySelector(%q); if(!el) throw new Error("selector not found"); el.value=%q; el.dispatchEvent(new Event('input',{bubbles:true})); return "ok";})()`, selector, value)
	_, err := t.Eval(ctx, js)
	return err
}

func (t *CDPTransport) Click(ctx context.Context, selector string) error {
	js := fmt.Sprintf(`(function(){var el=document.querySelector(%q); if(!el) throw new Error("selector not found"); el.click(); return "ok";})()`, selector)
	_, err := t.Eval(ctx, js)
	return err
}

func (t *CDPTransport) Screenshot(ctx context.Context) ([]byte, error) {
	raw, err := t.call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "decoding screenshot result", err)
	}
	png, err := decodeBase64PNG(out.Data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProtocol, "decoding screenshot base64", err)
	}
	return png, nil
}

func (t *CDPTransport) CurrentURL(ctx context.Context) (string, error) {
	return t.Eval(ctx, `window.location.href`)
}

func (t *CDPTransport) Close() error {
	return t.conn.Close()
}
