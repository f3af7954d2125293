// Package discord implements the REST collaborators the ingestion and
// backfill layers depend on: an oldest-first channel history source and a
// guild audit-log source. The gateway session that delivers live events is
// outside this package; only plain HTTP API access lives here.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banwatch/banwatch/internal/backfill"
	"github.com/banwatch/banwatch/internal/extract"
	"github.com/banwatch/banwatch/internal/ingest"
)

const (
	snowflakeEpochMs = int64(1420070400000)
	globalReqDelay   = 20 * time.Millisecond // 50 req/sec fallback
	pageLimit        = 100

	// auditActionBan is Discord's MEMBER_BAN_ADD audit log action type.
	auditActionBan = 22
)

// APIBaseURL is a variable so tests can point the client at a local server.
var APIBaseURL = "https://discord.com/api/v10"

// Client is a minimal Discord REST client with global request throttling
// and rate-limit retry.
type Client struct {
	token      string
	guildID    string
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	lastReq time.Time
}

// NewClient creates a client. token must already carry the "Bot " prefix.
func NewClient(token, guildID string) *Client {
	return &Client{
		token:      token,
		guildID:    guildID,
		baseURL:    APIBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastReq.IsZero() {
		delta := now.Sub(c.lastReq)
		if delta < globalReqDelay {
			time.Sleep(globalReqDelay - delta)
		}
	}
	c.lastReq = time.Now()
}

// statusError carries the HTTP status so callers can map 403/404 to
// domain-level unavailability.
type statusError struct {
	status int
	path   string
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("discord API %s returned %d: %s", e.path, e.status, e.body)
}

func rateLimitDelay(h http.Header) time.Duration {
	if strings.TrimSpace(h.Get("X-RateLimit-Remaining")) != "0" {
		return 0
	}
	resetAfter := strings.TrimSpace(h.Get("X-RateLimit-Reset-After"))
	if resetAfter == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(resetAfter, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	attempts := 0
	for {
		attempts++
		c.throttle()

		endpoint := strings.TrimRight(c.baseURL, "/") + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			retryDelay := rateLimitDelay(resp.Header)
			if retryDelay == 0 {
				var rl struct {
					RetryAfter float64 `json:"retry_after"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&rl)
				if rl.RetryAfter > 0 {
					retryDelay = time.Duration(rl.RetryAfter * float64(time.Second))
				}
			}
			resp.Body.Close()
			if attempts >= 3 {
				return fmt.Errorf("discord API rate limited after %d attempts", attempts)
			}
			if retryDelay > 0 {
				time.Sleep(retryDelay)
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &statusError{
				status: resp.StatusCode,
				path:   path,
				body:   strings.TrimSpace(string(body)),
			}
		}

		decErr := json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if decErr != nil {
			return fmt.Errorf("decoding response: %w", decErr)
		}

		if delay := rateLimitDelay(resp.Header); delay > 0 {
			time.Sleep(delay)
		}

		return nil
	}
}

// ForEachMessage streams a channel's messages oldest-first, starting
// strictly after anchorID, invoking fn for each one. A 403 or 404 from the
// messages endpoint is reported as backfill.ErrScopeUnavailable.
func (c *Client) ForEachMessage(ctx context.Context, scopeID, anchorID string, fn func(backfill.Message) error) error {
	cursor := strings.TrimSpace(anchorID)
	if cursor == "" {
		cursor = "0"
	}

	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("after", cursor)

		var page []apiMessage
		if err := c.getJSON(ctx, "/channels/"+scopeID+"/messages", q, &page); err != nil {
			var se *statusError
			if errors.As(err, &se) && (se.status == http.StatusForbidden || se.status == http.StatusNotFound) {
				return fmt.Errorf("%w: channel %s: %v", backfill.ErrScopeUnavailable, scopeID, err)
			}
			return err
		}
		if len(page) == 0 {
			return nil
		}

		// The API returns newest-first; process in chronological order.
		sort.Slice(page, func(i, j int) bool {
			return snowflakeLess(page[i].ID, page[j].ID)
		})

		for _, msg := range page {
			createdAt, err := parseTimestamp(msg.Timestamp)
			if err != nil {
				createdAt, err = SnowflakeToTime(msg.ID)
				if err != nil {
					continue
				}
			}
			if err := fn(backfill.Message{
				ID:        msg.ID,
				Embed:     firstEmbed(msg.Embeds),
				CreatedAt: createdAt,
			}); err != nil {
				return err
			}
		}

		next := page[len(page)-1].ID
		if next == cursor {
			return nil
		}
		cursor = next
		if len(page) < pageLimit {
			return nil
		}
	}
}

// RecentBans fetches the guild's most recent member-ban audit entries. A
// 403 is reported as ingest.ErrPermissionDenied.
func (c *Client) RecentBans(ctx context.Context, limit int) ([]ingest.AuditEntry, error) {
	q := url.Values{}
	q.Set("action_type", strconv.Itoa(auditActionBan))
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Entries []apiAuditEntry `json:"audit_log_entries"`
		Users   []apiUser       `json:"users"`
	}
	if err := c.getJSON(ctx, "/guilds/"+c.guildID+"/audit-logs", q, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.status == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %v", ingest.ErrPermissionDenied, err)
		}
		return nil, err
	}

	userByID := make(map[string]string, len(resp.Users))
	for _, u := range resp.Users {
		userByID[u.ID] = u.Username
	}

	entries := make([]ingest.AuditEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		entries = append(entries, ingest.AuditEntry{
			ActorTag: userByID[e.UserID],
			TargetID: e.TargetID,
			Reason:   e.Reason,
		})
	}
	return entries, nil
}

func firstEmbed(embeds []apiEmbed) *extract.Embed {
	if len(embeds) == 0 {
		return nil
	}
	e := embeds[0]
	out := &extract.Embed{
		Title:       e.Title,
		Description: e.Description,
	}
	if e.Footer != nil {
		out.FooterText = e.Footer.Text
	}
	return out
}

func parseTimestamp(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// SnowflakeToTime converts a Discord snowflake ID to its creation time.
func SnowflakeToTime(snowflake string) (time.Time, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(snowflake), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid snowflake %q: %w", snowflake, err)
	}
	ms := (id >> 22) + snowflakeEpochMs
	return time.UnixMilli(ms).UTC(), nil
}

// TimeToSnowflake converts a timestamp to a snowflake lower bound.
func TimeToSnowflake(t time.Time) string {
	ms := t.UTC().UnixMilli() - snowflakeEpochMs
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

// snowflakeLess compares two snowflake IDs numerically. Falls back to
// string comparison when either side is not a valid integer.
func snowflakeLess(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA != nil || errB != nil {
		return a < b
	}
	return ai < bi
}

type apiMessage struct {
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Embeds    []apiEmbed `json:"embeds"`
}

type apiEmbed struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Footer      *apiEmbedFooter `json:"footer"`
}

type apiEmbedFooter struct {
	Text string `json:"text"`
}

type apiAuditEntry struct {
	UserID   string `json:"user_id"`
	TargetID string `json:"target_id"`
	Reason   string `json:"reason"`
}

type apiUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
