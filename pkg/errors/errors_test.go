package errors

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestBridgeErrorString(t *testing.T) {
	cause := &DesyncError{Op: "delete", ID: 8, Reason: "not in mirror"}
	tests := []struct {
		name string
		err  *BridgeError
		want string
	}{
		{
			name: "plain",
			err:  &BridgeError{Op: "prop.Subscribe", Kind: KindResolution, Err: cause},
			want: "prop.Subscribe [resolution]: mirror desync on delete of 8: not in mirror",
		},
		{
			name: "sub and path",
			err:  &BridgeError{Op: "prop.nodes", Kind: KindDesync, Sub: 3, Path: "items", Err: cause},
			want: "prop.nodes [desync] sub=3 path=items: mirror desync on delete of 8: not in mirror",
		},
		{
			name: "sub only",
			err:  &BridgeError{Op: "prop.nodes", Kind: KindDesync, Sub: 3, Err: cause},
			want: "prop.nodes [desync] sub=3: mirror desync on delete of 8: not in mirror",
		},
		{
			name: "path only",
			err:  &BridgeError{Op: "prop.Subscribe", Kind: KindResolution, Path: "volume", Err: cause},
			want: "prop.Subscribe [resolution] path=volume: mirror desync on delete of 8: not in mirror",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBridgeErrorUnwrap(t *testing.T) {
	cause := &DesyncError{Op: "move", ID: 7, Reason: "before not in mirror"}
	err := &BridgeError{Op: "prop.nodes", Kind: KindDesync, Err: cause}

	var desync *DesyncError
	if !errors.As(err, &desync) {
		t.Fatal("expected errors.As to find DesyncError")
	}
	if desync.ID != 7 {
		t.Errorf("ID = %d, want 7", desync.ID)
	}
}

func TestErrorKindString(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindResolution, "resolution"},
		{KindDesync, "desync"},
		{KindDecode, "decode"},
		{KindLeak, "leak"},
		{KindPlatform, "platform"},
		{KindPanic, "panic"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestPanicErrorString(t *testing.T) {
	err := &PanicError{Value: "boom", Timestamp: time.Now()}
	if got, want := err.Error(), "panic: boom"; got != want {
		t.Errorf("PanicError.Error() = %q, want %q", got, want)
	}
	err.Op = "courier.Drain"
	if got, want := err.Error(), "panic in courier.Drain: boom"; got != want {
		t.Errorf("PanicError.Error() = %q, want %q", got, want)
	}
}

func TestReport(t *testing.T) {
	var captured *BridgeError
	installHandler(t, &testHandler{onError: func(err *BridgeError) { captured = err }})

	Report(&BridgeError{Op: "test.op", Kind: KindLeak})

	if captured == nil {
		t.Fatal("expected error to be captured")
	}
	if captured.Op != "test.op" {
		t.Errorf("Op = %q, want %q", captured.Op, "test.op")
	}
	if captured.Timestamp.IsZero() {
		t.Error("expected Timestamp to be set")
	}
}

func TestReportNil(t *testing.T) {
	called := false
	installHandler(t, &testHandler{
		onError: func(*BridgeError) { called = true },
		onPanic: func(*PanicError) { called = true },
	})

	Report(nil)
	ReportPanic(nil)

	if called {
		t.Error("handler should not be called for nil errors")
	}
}

func TestRecover(t *testing.T) {
	var captured *PanicError
	installHandler(t, &testHandler{onPanic: func(err *PanicError) { captured = err }})

	func() {
		defer Recover("test.recover")
		panic("intentional test panic")
	}()

	if captured == nil {
		t.Fatal("expected panic to be recovered and captured")
	}
	if captured.Value != "intentional test panic" {
		t.Errorf("Value = %v, want %q", captured.Value, "intentional test panic")
	}
	if captured.Op != "test.recover" {
		t.Errorf("Op = %q, want %q", captured.Op, "test.recover")
	}
	if captured.StackTrace == "" {
		t.Error("expected stack trace")
	}
}

func TestRecoverWithCallback(t *testing.T) {
	installHandler(t, &testHandler{})

	var got any
	func() {
		defer RecoverWithCallback("test.callback", func(r any) { got = r })
		panic(42)
	}()

	if got != 42 {
		t.Errorf("callback got %v, want 42", got)
	}
}

func TestSetHandlerNil(t *testing.T) {
	old := DefaultHandler
	t.Cleanup(func() { SetHandler(old) })

	SetHandler(nil)
	if _, ok := DefaultHandler.(*LogHandler); !ok {
		t.Errorf("SetHandler(nil) should install LogHandler, got %T", DefaultHandler)
	}
}

func TestLogHandlerLevels(t *testing.T) {
	tests := []struct {
		kind  ErrorKind
		level string
	}{
		{KindResolution, `"level":"debug"`},
		{KindLeak, `"level":"warn"`},
		{KindDesync, `"level":"error"`},
		{KindDecode, `"level":"error"`},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
			h := &LogHandler{Logger: &logger}

			h.HandleError(&BridgeError{Op: "test", Kind: tt.kind, Sub: 5, Path: "a.b"})

			out := buf.String()
			for _, want := range []string{tt.level, `"sub":5`, `"path":"a.b"`, `"kind":"` + tt.kind.String() + `"`} {
				if !strings.Contains(out, want) {
					t.Errorf("log line %q should contain %q", out, want)
				}
			}
		})
	}
}

func TestLogHandlerPanicVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := &LogHandler{Logger: &logger, Verbose: true}

	h.HandlePanic(&PanicError{Op: "courier.Drain", Value: "boom", StackTrace: "frame"})

	out := buf.String()
	for _, want := range []string{`"op":"courier.Drain"`, `"value":"boom"`, `"stack":"frame"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q should contain %q", out, want)
		}
	}
}

func installHandler(t *testing.T, h ErrorHandler) {
	t.Helper()
	old := DefaultHandler
	SetHandler(h)
	t.Cleanup(func() { SetHandler(old) })
}

type testHandler struct {
	onError func(*BridgeError)
	onPanic func(*PanicError)
}

func (h *testHandler) HandleError(err *BridgeError) {
	if h.onError != nil {
		h.onError(err)
	}
}

func (h *testHandler) HandlePanic(err *PanicError) {
	if h.onPanic != nil {
		h.onPanic(err)
	}
}
