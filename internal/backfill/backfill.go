// Package backfill runs the one-time historical reconciliation pass.
//
// The reconciler streams each configured scope's moderation-log history
// oldest-first from a fixed anchor, classifies every message with the fact
// extractor, and merges candidate facts into the ledger under a fill-only
// policy: a column is written only when it is currently empty. That makes
// the pass commutative with live ingestion regardless of interleaving —
// live writes always win because they overwrite unconditionally.
//
// Completion is tracked in the store's flag table. Each finished scope
// persists its own flag, so a run interrupted between scopes resumes with
// only the unfinished scopes; the global flag is the final transition.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banwatch/banwatch/internal/extract"
	"github.com/banwatch/banwatch/internal/store"
	"github.com/rs/zerolog"
)

// ErrScopeUnavailable signals a configured scope no longer resolves. The
// reconciler logs and skips it without aborting the other scopes.
var ErrScopeUnavailable = errors.New("scope unavailable")

// DoneFlag is the global completion flag key.
const DoneFlag = "backfill_done"

// Default progress ticker thresholds: report every N messages or every
// interval of wall clock, whichever triggers first.
const (
	DefaultProgressEvery    = 500
	DefaultProgressInterval = 10 * time.Second
)

// State is the reconciler lifecycle.
type State string

const (
	StateNotStarted State = "not_started"
	StateScanning   State = "scanning"
	StateCompleted  State = "completed"
)

// Message is one historical moderation-log message.
type Message struct {
	ID        string
	Embed     *extract.Embed
	CreatedAt time.Time
}

// HistorySource streams a scope's messages in chronological (oldest-first)
// order, starting strictly after anchorID, with no upper bound. It returns
// ErrScopeUnavailable (possibly wrapped) when the scope does not resolve.
type HistorySource interface {
	ForEachMessage(ctx context.Context, scopeID, anchorID string, fn func(Message) error) error
}

// Config holds the reconciler's scan parameters.
type Config struct {
	// Scopes are the history containers to scan (log channel IDs).
	Scopes []string

	// AnchorID is the exclusive lower bound message ID for every scope.
	AnchorID string

	// Progress ticker thresholds; zero values use the defaults.
	ProgressEvery    int
	ProgressInterval time.Duration
}

// ScopeResult reports one scope's scan outcome.
type ScopeResult struct {
	Scope       string
	Scanned     int
	JoinsAdded  int
	BansAdded   int
	Skipped     bool // already completed in an earlier run
	Unavailable bool
}

// Result reports a full reconciliation run.
type Result struct {
	AlreadyDone bool
	Scopes      []ScopeResult
}

// Scanned sums messages scanned across scopes.
func (r *Result) Scanned() int {
	n := 0
	for _, s := range r.Scopes {
		n += s.Scanned
	}
	return n
}

// Added sums newly filled joins and bans across scopes.
func (r *Result) Added() (joins, bans int) {
	for _, s := range r.Scopes {
		joins += s.JoinsAdded
		bans += s.BansAdded
	}
	return joins, bans
}

// Reconciler drives the backfill pass.
type Reconciler struct {
	store  store.Store
	source HistorySource
	cfg    Config
	log    zerolog.Logger

	mu    sync.Mutex
	state State
}

// New creates a Reconciler in the NotStarted state.
func New(st store.Store, source HistorySource, cfg Config, log zerolog.Logger) *Reconciler {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	return &Reconciler{
		store:  st,
		source: source,
		cfg:    cfg,
		log:    log,
		state:  StateNotStarted,
	}
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func scopeFlag(scope string) string {
	return DoneFlag + ":" + scope
}

// Run executes the pass once. If the global flag is already set the run is
// a no-op. Any error other than an unavailable scope aborts the run before
// the completion transition; finished scopes keep their per-scope flags,
// so a rerun picks up where the failure left off.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	done, err := r.store.GetMeta(ctx, DoneFlag)
	if err != nil {
		return nil, fmt.Errorf("reading %s flag: %w", DoneFlag, err)
	}
	if done == "1" {
		r.setState(StateCompleted)
		return &Result{AlreadyDone: true}, nil
	}

	r.setState(StateScanning)
	result := &Result{}

	for _, scope := range r.cfg.Scopes {
		sr, err := r.runScope(ctx, scope)
		result.Scopes = append(result.Scopes, sr)
		if err != nil {
			return result, fmt.Errorf("scanning scope %s: %w", scope, err)
		}
	}

	if err := r.store.SetMeta(ctx, DoneFlag, "1"); err != nil {
		return result, fmt.Errorf("persisting %s flag: %w", DoneFlag, err)
	}
	r.setState(StateCompleted)

	joins, bans := result.Added()
	r.log.Info().
		Int("scanned", result.Scanned()).
		Int("joins_added", joins).
		Int("bans_added", bans).
		Msg("backfill completed")
	return result, nil
}

func (r *Reconciler) runScope(ctx context.Context, scope string) (ScopeResult, error) {
	sr := ScopeResult{Scope: scope}

	flag, err := r.store.GetMeta(ctx, scopeFlag(scope))
	if err != nil {
		return sr, fmt.Errorf("reading scope flag: %w", err)
	}
	if flag == "1" {
		sr.Skipped = true
		r.log.Info().Str("scope", scope).Msg("scope already backfilled, skipping")
		return sr, nil
	}

	r.log.Info().Str("scope", scope).Str("anchor", r.cfg.AnchorID).Msg("scanning scope history")
	lastLog := time.Now()

	err = r.source.ForEachMessage(ctx, scope, r.cfg.AnchorID, func(msg Message) error {
		sr.Scanned++

		if sr.Scanned%r.cfg.ProgressEvery == 0 || time.Since(lastLog) >= r.cfg.ProgressInterval {
			r.log.Info().
				Str("scope", scope).
				Int("scanned", sr.Scanned).
				Int("joins_added", sr.JoinsAdded).
				Int("bans_added", sr.BansAdded).
				Msg("backfill progress")
			lastLog = time.Now()
		}

		fact, ok := extract.Classify(msg.Embed, msg.CreatedAt)
		if !ok {
			return nil
		}
		return r.merge(ctx, fact, &sr)
	})
	if err != nil {
		if errors.Is(err, ErrScopeUnavailable) {
			sr.Unavailable = true
			r.log.Warn().Str("scope", scope).Err(err).Msg("scope unavailable, skipping")
			return sr, nil
		}
		return sr, err
	}

	if err := r.store.SetMeta(ctx, scopeFlag(scope), "1"); err != nil {
		return sr, fmt.Errorf("persisting scope flag: %w", err)
	}

	r.log.Info().
		Str("scope", scope).
		Int("scanned", sr.Scanned).
		Int("joins_added", sr.JoinsAdded).
		Int("bans_added", sr.BansAdded).
		Msg("scope backfill done")
	return sr, nil
}

// merge applies one candidate fact under the fill-only policy.
func (r *Reconciler) merge(ctx context.Context, fact extract.Fact, sr *ScopeResult) error {
	rec, err := r.store.Get(ctx, fact.OffenderID)
	if err != nil {
		return err
	}

	switch fact.Kind {
	case extract.KindBan:
		if rec != nil && rec.BannedAt != nil {
			return nil // already have this ban
		}
		bannedAt := fact.Timestamp
		moderator := fact.Moderator
		if err := r.store.Upsert(ctx, fact.OffenderID, store.Patch{
			BannedAt:  &bannedAt,
			Moderator: &moderator,
		}); err != nil {
			return err
		}
		sr.BansAdded++

	case extract.KindJoin:
		if rec != nil && rec.JoinedAt != nil {
			return nil // already have join time
		}
		joinedAt := fact.Timestamp
		if err := r.store.Upsert(ctx, fact.OffenderID, store.Patch{
			JoinedAt: &joinedAt,
		}); err != nil {
			return err
		}
		sr.JoinsAdded++
	}

	return nil
}
