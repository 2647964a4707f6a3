package logfields

import "log/slog"

// Canonical log field names shared by every package.
const (
	KeyBuildID    = "build_id"
	KeyBuildType  = "build_type"
	KeyState      = "state"
	KeyExitCode   = "exit_code"
	KeyOutcome    = "outcome"
	KeyDependency = "dependency"
	KeyCommand    = "command"
	KeyPID        = "pid"
	KeyStatus     = "builder_status"
	KeyDurationMS = "duration_ms"
	KeyPath       = "path"
	KeySHA1       = "sha1"
	KeySubject    = "subject"
	KeyMethod     = "method"
	KeyRemoteAddr = "remote_addr"
	KeyHTTPStatus = "http_status"
	KeyRequestID  = "request_id"
	KeyUserAgent  = "user_agent"
	KeyError      = "error"
)

func BuildID(id string) slog.Attr     { return slog.String(KeyBuildID, id) }
func BuildType(t string) slog.Attr    { return slog.String(KeyBuildType, t) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func ExitCode(code int) slog.Attr     { return slog.Int(KeyExitCode, code) }
func Outcome(o string) slog.Attr      { return slog.String(KeyOutcome, o) }
func Dependency(d string) slog.Attr   { return slog.String(KeyDependency, d) }
func Command(argv string) slog.Attr   { return slog.String(KeyCommand, argv) }
func PID(pid int) slog.Attr           { return slog.Int(KeyPID, pid) }
func Status(s string) slog.Attr       { return slog.String(KeyStatus, s) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func SHA1(sum string) slog.Attr       { return slog.String(KeySHA1, sum) }
func Subject(s string) slog.Attr      { return slog.String(KeySubject, s) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func RemoteAddr(a string) slog.Attr   { return slog.String(KeyRemoteAddr, a) }
func HTTPStatus(code int) slog.Attr   { return slog.Int(KeyHTTPStatus, code) }
func RequestID(id string) slog.Attr   { return slog.String(KeyRequestID, id) }
func UserAgent(ua string) slog.Attr   { return slog.String(KeyUserAgent, ua) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
