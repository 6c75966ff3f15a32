package errors

import (
	"fmt"
	"io"
	"net"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"empty sentinel", ErrEmptyData, KindEmptyData},
		{"wrapped empty", fmt.Errorf("step 2: %w", ErrEmptyData), KindEmptyData},
		{"parse", Parse("decode", fmt.Errorf("bad byte")), KindParse},
		{"invalid step", InvalidStep("unknown scheme %q", "ftp"), KindInvalidStep},
		{"invalid data", InvalidData("token", fmt.Errorf("mismatch")), KindInvalidData},
		{"io", IO("write", io.ErrClosedPipe), KindIO},
		{"eof", io.EOF, KindIO},
		{"net op", &net.OpError{Op: "read", Net: "tcp", Err: fmt.Errorf("reset")}, KindIO},
		{"network error", Wrap("dial", "x:1", fmt.Errorf("refused")), KindIO},
		{"plain", fmt.Errorf("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Error("nil should not be fatal")
	}
	if IsFatal(ErrEmptyData) {
		t.Error("empty data should not be fatal")
	}
	if !IsEmpty(fmt.Errorf("read: %w", ErrEmptyData)) {
		t.Error("wrapped empty data should be empty")
	}
	for _, err := range []error{io.EOF, Parse("decode", io.ErrUnexpectedEOF), fmt.Errorf("boom")} {
		if !IsFatal(err) {
			t.Errorf("%v should be fatal", err)
		}
	}
}

func TestPipelineError_Format(t *testing.T) {
	err := Parse("decode", fmt.Errorf("illegal base64 data at input byte 3"))
	want := "parse error: decode: illegal base64 data at input byte 3"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !Is(err, err.Err) {
		t.Error("should unwrap to inner error")
	}
}
