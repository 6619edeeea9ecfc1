package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/rulesync/internal/git"
	"github.com/schaermu/rulesync/internal/retry"
)

// Kind classifies a failed operation for the user.
type Kind string

const (
	KindConfiguration    Kind = "CONFIGURATION_ERROR"
	KindTransientNetwork Kind = "TRANSIENT_NETWORK_ERROR"
	KindDivergedHistory  Kind = "DIVERGED_HISTORY"
	KindPermanent        Kind = "PERMANENT_OPERATION_ERROR"
	KindFilesystem       Kind = "FILESYSTEM_ERROR"
)

// Error is returned by every Engine operation that fails.
type Error struct {
	Kind Kind
	Op   Op
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Label returns a short class label.
func (e *Error) Label() string {
	switch e.Kind {
	case KindConfiguration:
		return "Configuration error"
	case KindTransientNetwork:
		return "Network error"
	case KindDivergedHistory:
		return "Remote has diverged"
	case KindPermanent:
		return "Remote operation failed"
	case KindFilesystem:
		return "Filesystem error"
	default:
		return "Error"
	}
}

// Remediation returns what the user can do about the failure.
func (e *Error) Remediation() string {
	switch e.Kind {
	case KindConfiguration:
		return "A required setting is missing or invalid. Check remote.url, paths.rules_dir " +
			"and sync.exclude_patterns in the configuration file and run the command again. " +
			"Nothing was cloned or changed."
	case KindTransientNetwork:
		return "The remote could not be reached after several attempts. Check your network " +
			"connection and that the remote host is up, then run the command again. " +
			"No changes were published."
	case KindDivergedHistory:
		return "The remote has commits this workspace has not seen, so the push was rejected. " +
			"Run 'rulesync pull' to take the remote rules, or run 'rulesync sync' again to " +
			"rebase onto them and retry the push."
	case KindPermanent:
		return "The remote refused the operation. Verify that remote.url points at an existing " +
			"repository and that the configured SSH key or HTTPS token has write access to it."
	case KindFilesystem:
		return "A rule file could not be read or written. Check that the rules directory and " +
			"the temporary directory exist and are writable. The operation was aborted " +
			"before anything was published."
	default:
		return ""
	}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func newError(kind Kind, op Op, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var permanentMarkers = []string{
	"repository not found",
	"does not exist",
	"not found",
	"does not appear to be a git repository",
}

// classifyRemoteError maps a failed clone, pull or push to a Kind. Rejected
// pushes are diverged history; auth and missing repositories are permanent;
// anything the retry table recognizes as transient is a network error.
func classifyRemoteError(err error) Kind {
	if errors.Is(err, git.ErrNotFastForward) {
		return KindDivergedHistory
	}

	kind, ok := retry.Classify(err)
	if ok && kind == retry.KindRejected {
		return KindDivergedHistory
	}
	if ok && kind == retry.KindAuth {
		return KindPermanent
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return KindPermanent
		}
	}

	if ok {
		return KindTransientNetwork
	}
	return KindPermanent
}
