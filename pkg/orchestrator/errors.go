package orchestrator

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorKind is the closed set of error categories carried on Error events.
type ErrorKind string

const (
	KindAudioDevice ErrorKind = "AudioDeviceError"
	KindNetwork     ErrorKind = "NetworkError"
	KindProtocol    ErrorKind = "ProtocolError"
	KindAuth        ErrorKind = "AuthError"
	KindTimeout     ErrorKind = "TimeoutError"
	KindTool        ErrorKind = "ToolError"
	KindInject      ErrorKind = "InjectError"
	KindConfig      ErrorKind = "ConfigError"
)

var (
	ErrEmptyTake = errors.New("dictation take contained no audio")

	ErrSessionNotOpen = errors.New("no live session is open")

	ErrConfigMissingKey = errors.New("required api key missing from config")
)

// KindOf classifies an error into the closed kind set. Unrecognised errors
// are protocol errors: something broke a contract we could not anticipate.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConfigMissingKey):
		return KindConfig
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "audio:"):
		return KindAudioDevice
	case strings.Contains(msg, "status 401"), strings.Contains(msg, "status 403"):
		return KindAuth
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "transport"),
		strings.Contains(msg, "dial"),
		strings.Contains(msg, "EOF"):
		return KindNetwork
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return KindTimeout
	default:
		return KindProtocol
	}
}
