// Package ingest records live member lifecycle events into the ledger.
//
// The two handlers are fired by an external gateway session and complete in
// bounded local work: one audit-trail lookup at most, then one upsert. Live
// writes are authoritative — they overwrite whatever the backfill
// reconciler may have filled in for the same offender.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/banwatch/banwatch/internal/store"
	"github.com/rs/zerolog"
)

// ErrPermissionDenied signals the audit trail is not readable; handlers
// degrade to the "unknown" moderator sentinel instead of failing.
var ErrPermissionDenied = errors.New("audit log access denied")

// auditLookback bounds how far back the audit trail is searched for the
// entry matching a fresh ban event.
const auditLookback = 5

// unknownModerator is the fallback when the audit trail yields no match.
const unknownModerator = "unknown"

// Member identifies the entity a push event refers to.
type Member struct {
	ID  string
	Tag string
}

// AuditEntry is one recent moderation action from the audit trail.
type AuditEntry struct {
	ActorTag string
	TargetID string
	Reason   string
}

// AuditSource yields recent ban entries, most recent first.
type AuditSource interface {
	RecentBans(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Recorder handles live push events.
type Recorder struct {
	store store.Store
	audit AuditSource
	log   zerolog.Logger
	now   func() time.Time
}

// NewRecorder creates a Recorder. audit may be nil, in which case ban
// events fall back to the unknown moderator immediately.
func NewRecorder(st store.Store, audit AuditSource, log zerolog.Logger) *Recorder {
	return NewRecorderAt(st, audit, log, time.Now)
}

// NewRecorderAt creates a Recorder with an explicit clock. Tests use this
// to freeze event timestamps.
func NewRecorderAt(st store.Store, audit AuditSource, log zerolog.Logger, now func() time.Time) *Recorder {
	return &Recorder{
		store: st,
		audit: audit,
		log:   log,
		now:   now,
	}
}

// MemberJoined records the join timestamp and display tag. Authoritative
// overwrite: a joined_at the backfill filled in earlier is replaced.
func (r *Recorder) MemberJoined(ctx context.Context, m Member) error {
	now := r.now().UTC()
	tag := m.Tag

	err := r.store.Upsert(ctx, m.ID, store.Patch{
		OffenderTag: &tag,
		JoinedAt:    &now,
	})
	if err != nil {
		return err
	}

	r.log.Debug().Str("offender", m.ID).Str("tag", m.Tag).Msg("member joined")
	return nil
}

// MemberBanned records the ban, recovering moderator and reason from the
// audit trail when readable. banned_at and moderator are always written;
// reason is written only when a matching audit entry was found, so a
// reason sourced earlier is never clobbered with emptiness.
func (r *Recorder) MemberBanned(ctx context.Context, m Member) error {
	now := r.now().UTC()

	moderator := unknownModerator
	var reason *string

	if r.audit != nil {
		entries, err := r.audit.RecentBans(ctx, auditLookback)
		switch {
		case err != nil:
			// Forbidden or unavailable — keep the sentinel and move on.
			r.log.Warn().Err(err).Str("offender", m.ID).Msg("audit lookup failed, recording unknown moderator")
		default:
			for _, e := range entries {
				if e.TargetID == m.ID {
					if tag := strings.TrimSpace(e.ActorTag); tag != "" {
						moderator = tag
					}
					rsn := e.Reason
					reason = &rsn
					break
				}
			}
		}
	}

	moderator = strings.ToLower(moderator)

	err := r.store.Upsert(ctx, m.ID, store.Patch{
		BannedAt:  &now,
		Moderator: &moderator,
		Reason:    reason,
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("offender", m.ID).
		Str("moderator", moderator).
		Bool("audit_matched", reason != nil).
		Msg("member banned")
	return nil
}
