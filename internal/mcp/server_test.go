package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/banwatch/banwatch/internal/backfill"
	"github.com/banwatch/banwatch/internal/store"
	"github.com/mark3labs/mcp-go/server"
)

// setupTestStore creates an in-memory ledger with a few records.
func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	joined := time.Now().UTC().Add(-48 * time.Hour)
	banned := time.Now().UTC().Add(-24 * time.Hour)
	tag := "alice#1"
	mod := "mod a"
	reason := "spam"

	if err := s.Upsert(ctx, "123", store.Patch{
		OffenderTag: &tag,
		JoinedAt:    &joined,
		BannedAt:    &banned,
		Moderator:   &mod,
		Reason:      &reason,
	}); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	banned2 := time.Now().UTC().Add(-12 * time.Hour)
	mod2 := "mod b"
	if err := s.Upsert(ctx, "456", store.Patch{BannedAt: &banned2, Moderator: &mod2}); err != nil {
		t.Fatalf("seeding record: %v", err)
	}

	return s
}

func TestNewServer(t *testing.T) {
	s := setupTestStore(t)
	if srv := NewServer(ServerConfig{Store: s}); srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

// callTool invokes an MCP tool through the server's JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) (text string, isError bool) {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			return c.Text, resp.Result.IsError
		}
	}
	t.Fatal("no text content in result")
	return "", false
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestStatsTool(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	text, isError := callTool(t, srv, "banwatch_stats", map[string]interface{}{})
	if isError {
		t.Fatalf("stats tool errored: %s", text)
	}

	var payload struct {
		Granularity string `json:"granularity"`
		Series      []struct {
			Label string `json:"label"`
			Count int    `json:"count"`
		} `json:"series"`
		Moderators []struct {
			Moderator string `json:"moderator"`
			Bans      int    `json:"bans"`
		} `json:"moderators"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v\nraw: %s", err, text)
	}
	if payload.Granularity != "day" {
		t.Errorf("expected day granularity, got %q", payload.Granularity)
	}
	total := 0
	for _, p := range payload.Series {
		total += p.Count
	}
	if total != 2 {
		t.Errorf("expected 2 bans in series, got %d", total)
	}
	if len(payload.Moderators) != 2 {
		t.Errorf("expected 2 moderators, got %d", len(payload.Moderators))
	}
}

func TestStatsToolBadSince(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	text, isError := callTool(t, srv, "banwatch_stats", map[string]interface{}{"since": "bogus"})
	if !isError {
		t.Fatalf("expected tool error, got: %s", text)
	}
	if !strings.Contains(text, "YYYY-MM-DD") {
		t.Errorf("expected user-facing format hint, got %q", text)
	}
}

func TestRecordTool(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	text, isError := callTool(t, srv, "banwatch_record", map[string]interface{}{"offender_id": "123"})
	if isError {
		t.Fatalf("record tool errored: %s", text)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["offender_tag"] != "alice#1" {
		t.Errorf("unexpected tag %v", payload["offender_tag"])
	}
	if payload["moderator"] != "mod a" {
		t.Errorf("unexpected moderator %v", payload["moderator"])
	}
	if payload["reason"] != "spam" {
		t.Errorf("unexpected reason %v", payload["reason"])
	}
	if _, ok := payload["time_to_ban_hours"]; !ok {
		t.Error("expected time_to_ban_hours for record with both timestamps")
	}
}

func TestRecordToolAbsent(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	text, isError := callTool(t, srv, "banwatch_record", map[string]interface{}{"offender_id": "999"})
	if !isError {
		t.Fatalf("expected tool error for missing record, got: %s", text)
	}
}

func TestBackfillStatusTool(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	s.SetMeta(ctx, backfill.DoneFlag, "1")
	s.SetMeta(ctx, backfill.DoneFlag+":201", "1")
	s.SetMeta(ctx, backfill.DoneFlag+":202", "1")

	srv := NewServer(ServerConfig{Store: s})
	text, isError := callTool(t, srv, "banwatch_backfill_status", map[string]interface{}{})
	if isError {
		t.Fatalf("status tool errored: %s", text)
	}

	var payload struct {
		Done   bool            `json:"done"`
		Scopes map[string]bool `json:"scopes"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload.Done {
		t.Error("expected global done flag")
	}
	if len(payload.Scopes) != 2 || !payload.Scopes["201"] || !payload.Scopes["202"] {
		t.Errorf("unexpected scopes %v", payload.Scopes)
	}
}

func TestLedgerResource(t *testing.T) {
	s := setupTestStore(t)
	srv := NewServer(ServerConfig{Store: s})

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "resources/read",
		"params": map[string]interface{}{
			"uri": "banwatch://ledger/stats",
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatalf("no resource contents: %s", string(respBytes))
	}

	var payload struct {
		Records int `json:"records"`
		Banned  int `json:"banned"`
		Joined  int `json:"joined"`
	}
	if err := json.Unmarshal([]byte(resp.Result.Contents[0].Text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Records != 2 || payload.Banned != 2 || payload.Joined != 1 {
		t.Errorf("unexpected counts %+v", payload)
	}
}
