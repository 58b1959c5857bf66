package failure

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// Collaborator names used as classification context.
const (
	CollabPrompts = "prompts"
	CollabImages  = "images"
	CollabVideos  = "videos"
	CollabSpeech  = "speech"
	CollabMusic   = "music"
	CollabMedia   = "media"
	CollabStorage = "storage"
)

// statusCoder is satisfied by HTTP-backed collaborator errors.
type statusCoder interface {
	StatusCode() int
}

// retryAfterer is satisfied by errors that carry a server retry hint.
type retryAfterer interface {
	RetryAfter() time.Duration
}

// Pattern tables checked in order; the first match wins. Collaborator
// tables run before the generic one.
type rule struct {
	re   *regexp.Regexp
	kind Kind
}

var (
	// Gemini and Groq surface gRPC status words and OpenAI-style codes.
	promptRules = []rule{
		{regexp.MustCompile(`(?i)RESOURCE_EXHAUSTED|quota|rate_limit_exceeded|tokens per minute`), RateLimited},
		{regexp.MustCompile(`(?i)UNAUTHENTICATED|invalid_api_key|API key not valid`), Authentication},
		{regexp.MustCompile(`(?i)PERMISSION_DENIED`), PermissionDenied},
		{regexp.MustCompile(`(?i)INVALID_ARGUMENT|context_length_exceeded|SAFETY|blocked`), Validation},
		{regexp.MustCompile(`(?i)UNAVAILABLE|INTERNAL|overloaded`), ServiceUnavailable},
		{regexp.MustCompile(`(?i)DEADLINE_EXCEEDED`), Timeout},
	}

	// Image and video vendors reject unsafe prompts and throttle hard.
	generationRules = []rule{
		{regexp.MustCompile(`(?i)content[ _]policy|nsfw|safety|moderation|flagged`), Validation},
		{regexp.MustCompile(`(?i)insufficient[ _]credits|quota|too many requests|concurrency limit`), RateLimited},
		{regexp.MustCompile(`(?i)job (failed|expired)|queue (full|overloaded)|capacity`), ServiceUnavailable},
	}

	// ffmpeg stderr.
	mediaRules = []rule{
		{regexp.MustCompile(`(?i)No space left on device`), DiskFull},
		{regexp.MustCompile(`(?i)No such file or directory|does not exist`), ResourceNotFound},
		{regexp.MustCompile(`(?i)Permission denied`), PermissionDenied},
		{regexp.MustCompile(`(?i)Invalid data found|Error (initializing|reinitializing) filter|Invalid argument`), ServiceUnavailable},
	}

	genericRules = []rule{
		{regexp.MustCompile(`(?i)no space left|disk (is )?full|ENOSPC`), DiskFull},
		{regexp.MustCompile(`(?i)\b429\b|rate.?limit|too many requests`), RateLimited},
		{regexp.MustCompile(`(?i)\b401\b|unauthori[sz]ed|invalid (api )?key|authentication`), Authentication},
		{regexp.MustCompile(`(?i)\b403\b|forbidden|permission denied`), PermissionDenied},
		{regexp.MustCompile(`(?i)\b404\b|not found`), ResourceNotFound},
		{regexp.MustCompile(`(?i)\b(400|422)\b|bad request|invalid request|validation`), Validation},
		{regexp.MustCompile(`(?i)timed? ?out|deadline exceeded|\b(408|504)\b`), Timeout},
		{regexp.MustCompile(`(?i)\b5\d\d\b|unavailable|connection (refused|reset)|broken pipe|unexpected EOF|temporar(y|ily)`), ServiceUnavailable},
	}
)

// Classify maps err to a classified error. collaborator names the calling
// capability and selects which pattern table runs before the generic one.
// A nil err yields nil.
func Classify(err error, collaborator string) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		if ce.Collaborator == "" {
			cp := *ce
			cp.Collaborator = collaborator
			return &cp
		}
		return ce
	}

	if k, ok := classifyStructural(err); ok {
		return Wrap(k, err, collaborator)
	}

	if sc, ok := asStatusCoder(err); ok {
		if k, ok := kindForStatus(sc.StatusCode()); ok {
			out := Wrap(k, err, collaborator)
			if ra, ok := asRetryAfterer(err); ok {
				out.RetryAfter = ra.RetryAfter()
			}
			return out
		}
	}

	msg := err.Error()
	if k, ok := match(tableFor(collaborator), msg); ok {
		return Wrap(k, err, collaborator)
	}
	if k, ok := match(genericRules, msg); ok {
		return Wrap(k, err, collaborator)
	}
	return Wrap(Unknown, err, collaborator)
}

// classifyStructural handles errors whose type alone determines the kind.
func classifyStructural(err error) (Kind, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout, true
	case errors.Is(err, syscall.ENOSPC):
		return DiskFull, true
	case errors.Is(err, fs.ErrNotExist):
		return ResourceNotFound, true
	case errors.Is(err, fs.ErrPermission):
		return PermissionDenied, true
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout, true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ServiceUnavailable, true
	}
	var de *net.DNSError
	if errors.As(err, &de) {
		return ServiceUnavailable, true
	}
	return "", false
}

func kindForStatus(code int) (Kind, bool) {
	switch {
	case code == 400 || code == 422 || code == 413:
		return Validation, true
	case code == 401:
		return Authentication, true
	case code == 403:
		return PermissionDenied, true
	case code == 404 || code == 410:
		return ResourceNotFound, true
	case code == 408 || code == 504:
		return Timeout, true
	case code == 429:
		return RateLimited, true
	case code == 507:
		return DiskFull, true
	case code >= 500:
		return ServiceUnavailable, true
	}
	return "", false
}

func tableFor(collaborator string) []rule {
	switch collaborator {
	case CollabPrompts:
		return promptRules
	case CollabImages, CollabVideos, CollabMusic, CollabSpeech:
		return generationRules
	case CollabMedia:
		return mediaRules
	}
	return nil
}

func match(rules []rule, msg string) (Kind, bool) {
	msg = strings.TrimSpace(msg)
	for _, r := range rules {
		if r.re.MatchString(msg) {
			return r.kind, true
		}
	}
	return "", false
}

func asStatusCoder(err error) (statusCoder, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if sc, ok := e.(statusCoder); ok {
			return sc, true
		}
	}
	return nil, false
}

func asRetryAfterer(err error) (retryAfterer, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ra, ok := e.(retryAfterer); ok {
			return ra, true
		}
	}
	return nil, false
}
