package authorizer

import "github.com/edgequota/keygate/internal/verify"

// Kind classifies how a verification call ended.
type Kind int

const (
	// KindVerified: the authorizer answered with 2xx and a well-formed
	// outcome. The outcome may still deny.
	KindVerified Kind = iota + 1
	// KindRejected: the authorizer declared the key invalid (HTTP 400).
	KindRejected
	// KindTimeout: no answer within the configured timeout.
	KindTimeout
	// KindError: anything else (transport failure, unexpected status,
	// malformed body).
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindVerified:
		return "verified"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is what one verification call produced. Outcome is set for
// KindVerified and KindRejected; Err for KindTimeout and KindError.
type Result struct {
	Kind       Kind
	Outcome    verify.Outcome
	Err        error
	StatusCode int
}

// Cacheable reports whether the outcome is an authoritative answer.
func (r Result) Cacheable() bool {
	return r.Kind == KindVerified || r.Kind == KindRejected
}

func verified(o verify.Outcome, status int) Result {
	return Result{Kind: KindVerified, Outcome: o, StatusCode: status}
}

func rejected(message string, status int) Result {
	return Result{Kind: KindRejected, Outcome: verify.Failure(message), StatusCode: status}
}

func timedOut(err error) Result {
	return Result{Kind: KindTimeout, Err: err}
}

func failed(err error, status int) Result {
	return Result{Kind: KindError, Err: err, StatusCode: status}
}
