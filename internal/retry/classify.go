package retry

import "strings"

// Kind names the transient condition an error message points at.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindNetwork  Kind = "network"
	KindRejected Kind = "rejected"
	KindAuth     Kind = "auth"
)

type rule struct {
	substr string
	kind   Kind
}

// transientRules is matched case-insensitively, first match wins.
var transientRules = []rule{
	{"timed out", KindTimeout},
	{"timeout", KindTimeout},
	{"etimedout", KindTimeout},
	{"deadline exceeded", KindTimeout},

	{"could not resolve host", KindNetwork},
	{"enotfound", KindNetwork},
	{"no such host", KindNetwork},
	{"temporary failure in name resolution", KindNetwork},
	{"econnreset", KindNetwork},
	{"connection reset", KindNetwork},
	{"econnrefused", KindNetwork},
	{"connection refused", KindNetwork},
	{"network is unreachable", KindNetwork},
	{"early eof", KindNetwork},
	{"the remote end hung up unexpectedly", KindNetwork},

	{"non-fast-forward", KindRejected},
	{"fetch first", KindRejected},
	{"[rejected]", KindRejected},
	{"updates were rejected", KindRejected},

	{"authentication failed", KindAuth},
	{"permission denied", KindAuth},
	{"could not read username", KindAuth},
}

// Classify reports which transient condition err matches, if any.
func Classify(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	msg := strings.ToLower(err.Error())
	for _, r := range transientRules {
		if strings.Contains(msg, r.substr) {
			return r.kind, true
		}
	}
	return "", false
}

// IsRetryable reports whether err matches the transient table.
func IsRetryable(err error) bool {
	_, ok := Classify(err)
	return ok
}
