// Package wsproto implements the server side of the WebSocket protocol
// (RFC 6455) over byte buffers: the opening handshake and the frame
// codec.  It never touches a connection, so callers can drive it from a
// readiness loop that reads exactly what is available.
package wsproto

import (
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // mandated by RFC 6455
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"chainproxy/internal/errors"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxHeaderBytes bounds the size of an opening handshake.
const MaxHeaderBytes = 8 << 10

// RejectBody is sent to clients that did not ask for a WebSocket.
const RejectBody = "only websocket connection accepted on this server."

var (
	// ErrIncomplete means more bytes are needed.
	ErrIncomplete = errors.New("wsproto: incomplete input")
	// ErrMissingKey means the request carried no Sec-WebSocket-Key.
	ErrMissingKey = errors.New("wsproto: missing Sec-WebSocket-Key")
)

// AcceptKey derives the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ParseUpgrade parses the opening handshake at the start of buf.  It
// returns the request, the number of bytes it occupied, and
// ErrIncomplete while the header block is still partial.  A request
// without a key is returned together with ErrMissingKey.
func ParseUpgrade(buf []byte) (*http.Request, int, error) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(buf) > MaxHeaderBytes {
			return nil, 0, errors.Parse("handshake", fmt.Errorf("header block exceeds %d bytes", MaxHeaderBytes))
		}
		return nil, 0, ErrIncomplete
	}
	n := end + 4
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(buf[:n])))
	if err != nil {
		return nil, n, errors.Parse("handshake", err)
	}
	if strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key")) == "" {
		return req, n, ErrMissingKey
	}
	return req, n, nil
}

// UpgradeResponse is the 101 reply accepting key.
func UpgradeResponse(key string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(strings.TrimSpace(key)) + "\r\n\r\n")
	return b.Bytes()
}

// RejectResponse is a plain HTTP reply that does not switch protocols.
func RejectResponse(status int, body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body))
}
