// Package updatecheck gates startup on the published client version.
package updatecheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

var (
	ErrUnreachable    = errors.New("update server unreachable")
	ErrUpdateRequired = errors.New("a newer version is required")
)

type Status string

const (
	StatusUpToDate    Status = "up_to_date"
	StatusMustUpdate  Status = "must_update"
	StatusUnreachable Status = "unreachable"
)

// maxBody bounds how much of the response is read.
const maxBody = 64 << 10

// VersionDescriptor is the body served by the version endpoint.
type VersionDescriptor struct {
	Version       string `json:"version"`
	UpdateURL     string `json:"update_url"`
	UpdateMessage string `json:"update_msg"`
	ForceUpdate   bool   `json:"force_update"`
}

// Outcome is the result of one check.
type Outcome struct {
	Status     Status
	Current    string
	Descriptor VersionDescriptor
	Err        error
}

// Error returns a non-nil error unless the client may proceed.
func (o Outcome) Error() error {
	switch o.Status {
	case StatusUpToDate:
		return nil
	case StatusMustUpdate:
		return fmt.Errorf("%w: %s -> %s", ErrUpdateRequired, o.Current, o.Descriptor.Version)
	default:
		if o.Err != nil {
			return o.Err
		}
		return ErrUnreachable
	}
}

// Message renders the outcome for a person, including the release notes and
// download link when an update is required.
func (o Outcome) Message() string {
	switch o.Status {
	case StatusUpToDate:
		return fmt.Sprintf("frpc-manager %s is up to date", o.Current)
	case StatusMustUpdate:
		var b strings.Builder
		fmt.Fprintf(&b, "New version %s is available (running %s).", o.Descriptor.Version, o.Current)
		if o.Descriptor.UpdateMessage != "" {
			b.WriteString("\n\n")
			b.WriteString(o.Descriptor.UpdateMessage)
		}
		if o.Descriptor.UpdateURL != "" {
			b.WriteString("\n\nDownload: ")
			b.WriteString(o.Descriptor.UpdateURL)
		}
		return b.String()
	default:
		return "Could not reach the update server; check your network connection."
	}
}

// CheckOnce performs a single bounded GET against apiURL and compares the
// served version with currentVersion.
//
// Transport errors, non-200 responses, malformed JSON and an invalid server
// version all yield StatusUnreachable. A current version that is not semver
// (a development build) is never forced to update.
func CheckOnce(ctx context.Context, apiURL, currentVersion string, timeout time.Duration) Outcome {
	out := Outcome{Current: currentVersion}
	desc, err := fetch(ctx, apiURL, timeout)
	if err != nil {
		slog.Debug("update check failed", "url", apiURL, "error", err)
		out.Status = StatusUnreachable
		out.Err = fmt.Errorf("%w: %v", ErrUnreachable, err)
		return out
	}
	out.Descriptor = desc

	latest := ensureVPrefix(strings.TrimSpace(desc.Version))
	if !semver.IsValid(latest) {
		out.Status = StatusUnreachable
		out.Err = fmt.Errorf("%w: server version %q is not a semantic version", ErrUnreachable, desc.Version)
		return out
	}
	current := ensureVPrefix(strings.TrimSpace(currentVersion))
	if !semver.IsValid(current) {
		slog.Info("skipping update enforcement for non-semver build", "version", currentVersion)
		out.Status = StatusUpToDate
		return out
	}
	if semver.Compare(current, latest) < 0 {
		slog.Info("update required", "current", currentVersion, "latest", desc.Version, "force", desc.ForceUpdate)
		out.Status = StatusMustUpdate
		return out
	}
	out.Status = StatusUpToDate
	return out
}

func fetch(ctx context.Context, apiURL string, timeout time.Duration) (VersionDescriptor, error) {
	var desc VersionDescriptor
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return desc, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return desc, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return desc, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&desc); err != nil {
		return desc, fmt.Errorf("decode version descriptor: %w", err)
	}
	desc.UpdateMessage = unescapeNewlines(desc.UpdateMessage)
	return desc, nil
}

// unescapeNewlines turns literal backslash-n pairs into line breaks. The
// endpoint double-escapes them in its JSON.
func unescapeNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

func ensureVPrefix(version string) string {
	if len(version) > 0 && version[0] != 'v' {
		return "v" + version
	}
	return version
}
