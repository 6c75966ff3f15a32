package step

import (
	"bytes"
	"context"
	"encoding/base64"

	"chainproxy/config"
	"chainproxy/internal/errors"
	"chainproxy/internal/pipeline"
)

// encoding is the unpadded standard alphabet.
var encoding = base64.RawStdEncoding

func init() {
	Register("b64", func(spec config.StepSpec, _ Env) (pipeline.Step, error) {
		native, err := parseMode(spec, spec.Arg)
		if err != nil {
			return nil, err
		}
		return NewBase64(native), nil
	})
}

// Base64 encodes bytes moving in its native direction and decodes bytes
// moving the other way.
type Base64 struct {
	pipeline.Buffers
	native pipeline.Direction
}

// NewBase64 returns a base64 step encoding in the native direction.
func NewBase64(native pipeline.Direction) *Base64 {
	return &Base64{native: native}
}

func (b *Base64) Write(p []byte) (int, error) {
	if b.Direction() == b.native {
		out := make([]byte, encoding.EncodedLen(len(p)))
		encoding.Encode(out, p)
		b.Push(out)
		return len(out), nil
	}

	// Line-oriented peers terminate each chunk with a newline.
	p = bytes.TrimSuffix(p, []byte{'\n'})
	out := make([]byte, encoding.DecodedLen(len(p)))
	n, err := encoding.Decode(out, p)
	if err != nil {
		return 0, errors.Parse("base64 decode", err)
	}
	b.Push(out[:n])
	return n, nil
}

func (b *Base64) Start(_ context.Context) error { return nil }

func (b *Base64) Clone() pipeline.Step { return NewBase64(b.native) }

func (b *Base64) Close() error { return nil }

func (b *Base64) String() string { return "b64:" + modeName(b.native) }
