package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyBuildID     = "build_id"
	KeyStage       = "stage"
	KeyOutcome     = "outcome"
	KeyVariant     = "variant"
	KeyFingerprint = "fingerprint"
	KeyDurationMS  = "duration_ms"
	KeyRecords     = "records"
	KeyURL         = "url"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func BuildID(id string) slog.Attr      { return slog.String(KeyBuildID, id) }
func Stage(name string) slog.Attr      { return slog.String(KeyStage, name) }
func Outcome(o string) slog.Attr       { return slog.String(KeyOutcome, o) }
func Variant(v string) slog.Attr       { return slog.String(KeyVariant, v) }
func Fingerprint(fp string) slog.Attr  { return slog.String(KeyFingerprint, fp) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Records(n int) slog.Attr          { return slog.Int(KeyRecords, n) }
func URL(u string) slog.Attr           { return slog.String(KeyURL, u) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
