package security

import (
	"errors"
	"os"
	"regexp"
	"strings"

	"github.com/treykane/frpc-manager/internal/util"
)

// ClassifiedError separates a user-safe message from verbose debug details.
type ClassifiedError struct {
	UserSafe    string
	DebugDetail string
	Err         error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.UserSafe) == "" {
		return "operation failed"
	}
	return e.UserSafe
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with a user-safe message while keeping it matchable
// with errors.Is.
func Classify(err error, userSafe string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{UserSafe: userSafe, DebugDetail: err.Error(), Err: err}
}

// UserMessage returns a message safe to show in CLI/TUI contexts.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		msg := ce.UserSafe
		if msg == "" {
			msg = "operation failed"
		}
		if redact {
			return RedactMessage(msg)
		}
		return msg
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// DebugMessage returns detailed error text for logs.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if strings.TrimSpace(ce.DebugDetail) != "" {
			return RedactMessage(ce.DebugDetail)
		}
	}
	return RedactMessage(err.Error())
}

var tokenAssignment = regexp.MustCompile(`(?i)\b((?:auth_)?token\s*[=:]\s*)(\S+)`)

// RedactMessage shortens the home directory and masks token assignments in
// user-visible text.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return tokenAssignment.ReplaceAllStringFunc(out, func(m string) string {
		parts := tokenAssignment.FindStringSubmatch(m)
		return parts[1] + util.MaskSecret(parts[2])
	})
}

// NewRedactor returns a function masking every occurrence of the given
// secrets plus anything RedactMessage catches. Empty secrets are ignored.
func NewRedactor(secrets ...string) func(string) string {
	var pairs []string
	for _, s := range secrets {
		if strings.TrimSpace(s) == "" {
			continue
		}
		pairs = append(pairs, s, util.MaskSecret(s))
	}
	var r *strings.Replacer
	if len(pairs) > 0 {
		r = strings.NewReplacer(pairs...)
	}
	return func(s string) string {
		if r != nil {
			s = r.Replace(s)
		}
		return RedactMessage(s)
	}
}
