package verify

// Result values reported by the authorizer.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Outcome is the authorizer's answer for one key. Any Result other than
// "success" denies.
type Outcome struct {
	Result  string `json:"result"`
	Message string `json:"message,omitempty"`
}

// Success reports whether the outcome allows the request.
func (o Outcome) Success() bool { return o.Result == ResultSuccess }

// Failure builds a denying outcome with the given message.
func Failure(message string) Outcome {
	return Outcome{Result: ResultFailure, Message: message}
}
