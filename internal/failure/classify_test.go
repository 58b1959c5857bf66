package failure

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"net"
	"os"
	"reflect"
	"syscall"
	"testing"
	"testing/quick"
	"time"
)

type httpErr struct {
	code  int
	after time.Duration
}

func (e httpErr) Error() string             { return fmt.Sprintf("vendor returned %d", e.code) }
func (e httpErr) StatusCode() int           { return e.code }
func (e httpErr) RetryAfter() time.Duration { return e.after }

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		collab string
		want   Kind
	}{
		{"deadline", context.DeadlineExceeded, CollabImages, Timeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CollabVideos, Timeout},
		{"enospc", &os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}, CollabStorage, DiskFull},
		{"not exist", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}, CollabMedia, ResourceNotFound},
		{"permission", &os.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, CollabMedia, PermissionDenied},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, CollabImages, ServiceUnavailable},
		{"http 400", httpErr{code: 400}, CollabImages, Validation},
		{"http 401", httpErr{code: 401}, CollabImages, Authentication},
		{"http 403", httpErr{code: 403}, CollabImages, PermissionDenied},
		{"http 404", httpErr{code: 404}, CollabVideos, ResourceNotFound},
		{"http 429", httpErr{code: 429}, CollabVideos, RateLimited},
		{"http 502", httpErr{code: 502}, CollabVideos, ServiceUnavailable},
		{"http 504", httpErr{code: 504}, CollabVideos, Timeout},
		{"wrapped http", fmt.Errorf("generate: %w", httpErr{code: 503}), CollabMusic, ServiceUnavailable},
		{"gemini quota", errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED"), CollabPrompts, RateLimited},
		{"gemini key", errors.New("rpc error: code = Unauthenticated desc = API key not valid"), CollabPrompts, Authentication},
		{"gemini safety", errors.New("blocked: candidate finish reason SAFETY"), CollabPrompts, Validation},
		{"image policy", errors.New("prompt rejected by content policy"), CollabImages, Validation},
		{"image credits", errors.New("insufficient credits"), CollabImages, RateLimited},
		{"ffmpeg space", errors.New("av_interleaved_write_frame(): No space left on device"), CollabMedia, DiskFull},
		{"ffmpeg missing", errors.New("scene_2.mp4: No such file or directory"), CollabMedia, ResourceNotFound},
		{"ffmpeg filter", errors.New("Error initializing filter 'xfade'"), CollabMedia, ServiceUnavailable},
		{"generic reset", errors.New("read: connection reset by peer"), "", ServiceUnavailable},
		{"generic timeout", errors.New("i/o timeout"), "", Timeout},
		{"unknown", errors.New("something odd"), CollabImages, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, tt.collab)
			if got.Kind != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got.Kind, tt.want)
			}
			if got.Retryable != tt.want.Retryable() {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.want.Retryable())
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not wrap the cause")
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if Classify(nil, CollabImages) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestClassify_RetryAfterHint(t *testing.T) {
	got := Classify(httpErr{code: 429, after: 7 * time.Second}, CollabVideos)
	if got.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", got.RetryAfter)
	}
	if RetryAfterOf(fmt.Errorf("x: %w", got)) != 7*time.Second {
		t.Error("RetryAfterOf should see through wrapping")
	}
}

func TestClassify_PassthroughKeepsKind(t *testing.T) {
	orig := New(Validation, "scene count mismatch")
	got := Classify(fmt.Errorf("stage: %w", orig), CollabPrompts)
	if got.Kind != Validation || got.Retryable {
		t.Errorf("got %s retryable=%v", got.Kind, got.Retryable)
	}
	if got.Collaborator != CollabPrompts {
		t.Errorf("collaborator = %q", got.Collaborator)
	}
}

func TestKind_RetryableTable(t *testing.T) {
	want := map[Kind]bool{
		Validation: false, Authentication: false, RateLimited: true,
		ServiceUnavailable: true, Timeout: true, ResourceNotFound: false,
		PermissionDenied: false, DiskFull: false, Unknown: false,
	}
	for _, k := range Kinds {
		if k.Retryable() != want[k] {
			t.Errorf("%s.Retryable() = %v", k, k.Retryable())
		}
	}
	if !DiskFull.Fatal() || Timeout.Fatal() {
		t.Error("only DiskFull is fatal")
	}
}

// Arbitrary messages always land in the closed set, and the retry flag always
// agrees with the kind.
func TestClassify_PropertyClosedSet(t *testing.T) {
	collabs := []string{"", CollabPrompts, CollabImages, CollabVideos, CollabSpeech, CollabMusic, CollabMedia}
	valid := make(map[Kind]bool, len(Kinds))
	for _, k := range Kinds {
		valid[k] = true
	}
	f := func(msg string, pick uint8) bool {
		got := Classify(errors.New(msg), collabs[int(pick)%len(collabs)])
		return valid[got.Kind] && got.Retryable == got.Kind.Retryable()
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 2000}); err != nil {
		t.Error(err)
	}
}

// Any status code maps to a kind whose retryability follows the HTTP class.
func TestClassify_PropertyStatusCodes(t *testing.T) {
	f := func(code int) bool {
		got := Classify(httpErr{code: code}, CollabImages)
		switch {
		case code == 429 || code == 408 || (code >= 500 && code != 507):
			return got.Retryable
		case code >= 400 && code < 500:
			return !got.Retryable
		}
		return true
	}
	cfg := &quick.Config{
		MaxCount: 1000,
		Values: func(v []reflect.Value, r *rand.Rand) {
			v[0] = reflect.ValueOf(100 + r.Intn(500))
		},
	}
	if err := quick.Check(f, cfg); err != nil {
		t.Error(err)
	}
}

func TestClassify_Idempotent(t *testing.T) {
	f := func(msg string) bool {
		once := Classify(errors.New(msg), CollabVideos)
		twice := Classify(once, CollabVideos)
		return once.Kind == twice.Kind && once.Retryable == twice.Retryable
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
