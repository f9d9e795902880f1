// Package deeplink parses roaddoc:// URLs from shortcuts and app actions.
package deeplink

import (
	"net/url"
	"strings"

	apperrors "github.com/GriffinCanCode/roaddoc/backend/platform/internal/errors"
)

// Scheme of app links.
const Scheme = "roaddoc"

// Action requested by a link.
type Action string

// Actions.
const (
	None           Action = ""
	StartRecording Action = "start-recording"
)

// StartRecordingURL is the link registered with voice assistants.
const StartRecordingURL = Scheme + "://" + string(StartRecording)

// Parse returns the action for raw. "roaddoc://start-recording?auto=false"
// is a valid link that asks for nothing.
func Parse(raw string) (Action, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return None, apperrors.Wrap(err, apperrors.CodeInvalidRequest, "malformed link")
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return None, apperrors.Newf(apperrors.CodeInvalidRequest, "unsupported scheme %q", u.Scheme)
	}

	// roaddoc://start-recording puts the action in the host, roaddoc:///start-recording in the path.
	path := strings.Trim(u.Host+u.Path, "/")
	switch Action(path) {
	case StartRecording:
		if strings.EqualFold(u.Query().Get("auto"), "false") {
			return None, nil
		}
		return StartRecording, nil
	default:
		return None, apperrors.Newf(apperrors.CodeInvalidRequest, "unknown link path %q", path)
	}
}
