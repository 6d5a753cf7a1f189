package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyWorkflow   = "workflow"
	KeyJob        = "job"
	KeyStep       = "step"
	KeyEvent      = "event"
	KeyRef        = "ref"
	KeyGroup      = "concurrency_group"
	KeyRepo       = "repository"
	KeyURL        = "url"
	KeyPath       = "path"
	KeyName       = "name"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Workflow(w string) slog.Attr     { return slog.String(KeyWorkflow, w) }
func Job(j string) slog.Attr          { return slog.String(KeyJob, j) }
func Step(s string) slog.Attr         { return slog.String(KeyStep, s) }
func Event(e string) slog.Attr        { return slog.String(KeyEvent, e) }
func Ref(r string) slog.Attr          { return slog.String(KeyRef, r) }
func Group(g string) slog.Attr        { return slog.String(KeyGroup, g) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func Name(n string) slog.Attr         { return slog.String(KeyName, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
