package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banwatch/banwatch/internal/backfill"
	"github.com/banwatch/banwatch/internal/ingest"
)

// newTestClient points a client at a local test server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c := NewClient("Bot test-token", "guild-1")
	c.baseURL = server.URL
	return c
}

func collectMessages(t *testing.T, c *Client, scopeID, anchorID string) []backfill.Message {
	t.Helper()
	var got []backfill.Message
	err := c.ForEachMessage(context.Background(), scopeID, anchorID, func(m backfill.Message) error {
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachMessage failed: %v", err)
	}
	return got
}

func TestForEachMessagePaginatesChronologically(t *testing.T) {
	// A full first page forces a second fetch; the short second page ends
	// the scan. Pages come back newest-first, the way the API serves them.
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fullPage := make([]map[string]interface{}, pageLimit)
	for i := 0; i < pageLimit; i++ {
		fullPage[i] = map[string]interface{}{
			"id":        fmt.Sprintf("%d", pageLimit-i),
			"timestamp": base.Add(time.Duration(pageLimit-i) * time.Minute).Format(time.RFC3339),
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/channels/chan-1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("after") {
		case "0":
			json.NewEncoder(w).Encode(fullPage)
		case fmt.Sprintf("%d", pageLimit):
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{"id": "102", "timestamp": base.Add(102 * time.Minute).Format(time.RFC3339)},
				{"id": "101", "timestamp": base.Add(101 * time.Minute).Format(time.RFC3339)},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
			json.NewEncoder(w).Encode([]map[string]interface{}{})
		}
	})

	c := newTestClient(t, mux)
	got := collectMessages(t, c, "chan-1", "")

	if len(got) != pageLimit+2 {
		t.Fatalf("expected %d messages, got %d", pageLimit+2, len(got))
	}
	for i, msg := range got {
		if want := fmt.Sprintf("%d", i+1); msg.ID != want {
			t.Fatalf("position %d: expected id %s, got %s", i, want, msg.ID)
		}
	}
	if !got[0].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected first timestamp %v", got[0].CreatedAt)
	}
}

func TestForEachMessageStartsAfterAnchor(t *testing.T) {
	var gotAfter string
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/chan-1/messages", func(w http.ResponseWriter, r *http.Request) {
		if gotAfter == "" {
			gotAfter = r.URL.Query().Get("after")
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	})

	c := newTestClient(t, mux)
	collectMessages(t, c, "chan-1", "123456")

	if gotAfter != "123456" {
		t.Errorf("expected first page after=123456, got %q", gotAfter)
	}
}

func TestForEachMessageCarriesEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/chan-1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "0" {
			json.NewEncoder(w).Encode([]map[string]interface{}{})
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{
				"id":        "100",
				"timestamp": "2024-03-01T00:01:00Z",
				"embeds": []map[string]interface{}{
					{
						"title":       "ban | case 42",
						"description": "**Offender:** bad <@123>",
						"footer":      map[string]string{"text": "ID: 42"},
					},
				},
			},
			{"id": "200", "timestamp": "2024-03-01T00:02:00Z"},
		})
	})

	c := newTestClient(t, mux)
	got := collectMessages(t, c, "chan-1", "")

	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Embed == nil {
		t.Fatal("expected embed on first message")
	}
	if got[0].Embed.Title != "ban | case 42" || got[0].Embed.FooterText != "ID: 42" {
		t.Errorf("unexpected embed %+v", got[0].Embed)
	}
	if got[1].Embed != nil {
		t.Errorf("expected nil embed for plain message, got %+v", got[1].Embed)
	}
}

func TestForEachMessageSnowflakeFallback(t *testing.T) {
	// 0 ms past the Discord epoch, shifted into snowflake form.
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/chan-1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "0" {
			json.NewEncoder(w).Encode([]map[string]interface{}{})
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "4194304", "timestamp": ""},
		})
	})

	c := newTestClient(t, mux)
	got := collectMessages(t, c, "chan-1", "")

	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	want := time.UnixMilli(snowflakeEpochMs + 1).UTC()
	if !got[0].CreatedAt.Equal(want) {
		t.Errorf("expected snowflake-derived %v, got %v", want, got[0].CreatedAt)
	}
}

func TestForEachMessageUnavailableScope(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusNotFound} {
		mux := http.NewServeMux()
		mux.HandleFunc("/channels/gone/messages", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"message":"Missing Access"}`, status)
		})

		c := newTestClient(t, mux)
		err := c.ForEachMessage(context.Background(), "gone", "", func(backfill.Message) error { return nil })
		if !errors.Is(err, backfill.ErrScopeUnavailable) {
			t.Errorf("status %d: expected ErrScopeUnavailable, got %v", status, err)
		}
	}
}

func TestForEachMessagePropagatesCallbackError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/channels/chan-1/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "100", "timestamp": "2024-03-01T00:01:00Z"},
		})
	})

	c := newTestClient(t, mux)
	boom := errors.New("boom")
	err := c.ForEachMessage(context.Background(), "chan-1", "", func(backfill.Message) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestRecentBans(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/guilds/guild-1/audit-logs", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("action_type"); got != "22" {
			t.Errorf("expected action_type 22, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("expected limit 5, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"audit_log_entries": []map[string]string{
				{"user_id": "m1", "target_id": "123", "reason": "spam"},
				{"user_id": "m2", "target_id": "456"},
			},
			"users": []map[string]string{
				{"id": "m1", "username": "Mod A"},
				{"id": "m2", "username": "Mod B"},
			},
		})
	})

	c := newTestClient(t, mux)
	entries, err := c.RecentBans(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentBans failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ActorTag != "Mod A" || entries[0].TargetID != "123" || entries[0].Reason != "spam" {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].ActorTag != "Mod B" || entries[1].Reason != "" {
		t.Errorf("unexpected second entry %+v", entries[1])
	}
}

func TestRecentBansPermissionDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/guilds/guild-1/audit-logs", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Missing Permissions"}`, http.StatusForbidden)
	})

	c := newTestClient(t, mux)
	if _, err := c.RecentBans(context.Background(), 5); !errors.Is(err, ingest.ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestGetJSONRetriesOnRateLimit(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/guilds/guild-1/audit-logs", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"retry_after": 0.01}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"audit_log_entries": []map[string]string{},
			"users":             []map[string]string{},
		})
	})

	c := newTestClient(t, mux)
	if _, err := c.RecentBans(context.Background(), 5); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestSnowflakeRoundTrip(t *testing.T) {
	ts := time.Date(2023, 6, 15, 12, 0, 0, 0, time.UTC)
	got, err := SnowflakeToTime(TimeToSnowflake(ts))
	if err != nil {
		t.Fatalf("SnowflakeToTime failed: %v", err)
	}
	if !got.Equal(ts) {
		t.Errorf("round trip changed %v to %v", ts, got)
	}
}
