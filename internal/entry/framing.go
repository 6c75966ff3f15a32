package entry

import (
	"errors"
	"io"
	"net/http"

	ncerr "chainproxy/internal/errors"
	"chainproxy/internal/wsproto"
)

// framing converts between a transport's wire format and the plain
// byte stream a pipeline relays.
type framing interface {
	// handshaken reports whether the opening exchange is complete.
	handshaken() bool

	// handshake consumes client bytes until the opening exchange is
	// done.  It returns the reply for the client and any bytes that
	// followed the opening request.  A non-nil error ends the
	// connection after the reply is sent.
	handshake(raw []byte) (reply, rest []byte, err error)

	// unwrap decodes client bytes into payloads for the pipeline and an
	// optional reply for the client.  A client close yields io.EOF.
	unwrap(raw []byte) (payloads [][]byte, reply []byte, err error)

	// wrap encodes pipeline output for the client.
	wrap(p []byte) []byte
}

// rawFraming passes bytes through unchanged.
type rawFraming struct{}

func newRawFraming() framing { return rawFraming{} }

func (rawFraming) handshaken() bool { return true }

func (rawFraming) handshake(raw []byte) ([]byte, []byte, error) { return nil, raw, nil }

func (rawFraming) unwrap(raw []byte) ([][]byte, []byte, error) { return [][]byte{raw}, nil, nil }

func (rawFraming) wrap(p []byte) []byte { return p }

// errRejected ends a connection whose opening request was refused.
var errRejected = errors.New("websocket handshake rejected")

// wsFraming is the server side of RFC 6455: a manual upgrade followed
// by frame decoding.  Data messages reach the pipeline; ping, pong and
// close are answered here.
type wsFraming struct {
	head []byte
	done bool
	dec  wsproto.Decoder
}

func newWSFraming() framing {
	return &wsFraming{dec: wsproto.Decoder{RequireMask: true}}
}

func (f *wsFraming) handshaken() bool { return f.done }

func (f *wsFraming) handshake(raw []byte) ([]byte, []byte, error) {
	f.head = append(f.head, raw...)
	req, n, err := wsproto.ParseUpgrade(f.head)
	switch {
	case errors.Is(err, wsproto.ErrIncomplete):
		return nil, nil, nil
	case errors.Is(err, wsproto.ErrMissingKey):
		return wsproto.RejectResponse(http.StatusBadRequest, wsproto.RejectBody), nil, errRejected
	case err != nil:
		return wsproto.RejectResponse(http.StatusBadRequest, wsproto.RejectBody), nil, err
	}

	rest := f.head[n:]
	f.head = nil
	f.done = true
	return wsproto.UpgradeResponse(req.Header.Get("Sec-WebSocket-Key")), rest, nil
}

func (f *wsFraming) unwrap(raw []byte) ([][]byte, []byte, error) {
	f.dec.Feed(raw)

	var payloads [][]byte
	var reply []byte
	for {
		fr, err := f.dec.Next()
		if errors.Is(err, wsproto.ErrIncomplete) {
			return payloads, reply, nil
		}
		if err != nil {
			code := wsproto.CloseProtocolError
			if ncerr.KindOf(err) == ncerr.KindInvalidData {
				code = wsproto.CloseTooBig
			}
			reply = wsproto.AppendFrame(reply, wsproto.Frame{Fin: true, Op: wsproto.OpClose,
				Payload: wsproto.ClosePayload(code, "")}, nil)
			return payloads, reply, err
		}

		switch fr.Op {
		case wsproto.OpPing:
			reply = wsproto.AppendFrame(reply, wsproto.Frame{Fin: true, Op: wsproto.OpPong, Payload: fr.Payload}, nil)
		case wsproto.OpPong:
		case wsproto.OpClose:
			code := wsproto.CloseCode(fr.Payload)
			reply = wsproto.AppendFrame(reply, wsproto.Frame{Fin: true, Op: wsproto.OpClose,
				Payload: wsproto.ClosePayload(code, "")}, nil)
			return payloads, reply, io.EOF
		default:
			payloads = append(payloads, fr.Payload)
		}
	}
}

func (f *wsFraming) wrap(p []byte) []byte {
	return wsproto.AppendFrame(nil, wsproto.Frame{Fin: true, Op: wsproto.OpBinary, Payload: p}, nil)
}
