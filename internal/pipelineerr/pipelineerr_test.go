package pipelineerr_test

import (
	"errors"
	"testing"

	"github.com/beastyrabbit/infinitune-sub001/internal/pipelineerr"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		name string
		err  error
		want pipelineerr.Kind
	}{
		{"transient", pipelineerr.Transient("audio submit failed", cause), pipelineerr.KindTransient},
		{"protocol", pipelineerr.Protocol("bad join payload", cause), pipelineerr.KindProtocol},
		{"state", pipelineerr.State("claim lost"), pipelineerr.KindState},
		{"resource", pipelineerr.Resource("bind failed", cause), pipelineerr.KindResource},
		{"user", pipelineerr.User("unknown subcommand"), pipelineerr.KindUser},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := pipelineerr.KindOf(tc.err); got != tc.want {
				t.Errorf("KindOf() = %q, want %q", got, tc.want)
			}
			if !pipelineerr.Is(tc.err, tc.want) {
				t.Errorf("Is(%v, %q) = false, want true", tc.err, tc.want)
			}
		})
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := pipelineerr.KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := pipelineerr.Transient("msg", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
}

func TestErrStaleRoomSession(t *testing.T) {
	wrapped := pipelineerr.Protocol("joinRoom", pipelineerr.ErrStaleRoomSession)
	if !errors.Is(wrapped, pipelineerr.ErrStaleRoomSession) {
		t.Error("expected errors.Is to match ErrStaleRoomSession through wrapping")
	}
}
