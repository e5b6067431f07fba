// Package store is the normalized local database of domain entities that
// pipeline stages write into and the static-site generator reads from.
//
// Records are deduplicated by (variant, natural key). Each variant has exactly
// one writer stage per build; that discipline is enforced statically during
// graph validation, not here. Stage writes are buffered and committed
// all-or-nothing per stage, so a failed stage never leaves a half-written
// variant behind.
package store

import (
	"errors"
	"time"
)

// Variant identifies a kind of normalized domain entity.
type Variant string

const (
	VariantOrganization Variant = "organization"
	VariantPosting      Variant = "posting"
	VariantPostingMeta  Variant = "posting_meta"
	VariantEvent        Variant = "event"
	VariantMember       Variant = "member"
	VariantTip          Variant = "tip"
)

// Record is a normalized domain entity.
type Record struct {
	Variant        Variant        `json:"variant"`
	NaturalKey     string         `json:"natural_key"`
	Attributes     map[string]any `json:"attributes"`
	UpdatedByStage string         `json:"updated_by_stage"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	SeenBuild      string         `json:"seen_build"`
}

// Outcome classifies a stage run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped" // skipped-cached: inputs unchanged
	OutcomeBlocked Outcome = "blocked" // an upstream stage failed
)

// StageRun is one execution record. It is immutable once written and retained
// as history for diagnostics and for the next build's staleness computation.
type StageRun struct {
	BuildID     string
	Stage       string
	Version     string
	Outcome     Outcome
	Error       string
	Fingerprint string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ErrNotFound is returned when a record doesn't exist.
type ErrNotFound struct {
	Variant    Variant
	NaturalKey string
}

func (e ErrNotFound) Error() string {
	return "record not found: " + string(e.Variant) + "/" + e.NaturalKey
}

// IsNotFound returns true if the error is ErrNotFound, wrapped or not.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}
