// Package mcp provides a Model Context Protocol server over the ban
// ledger.
//
// It exposes the aggregate report, per-offender lookup, and backfill
// status as MCP tools, plus ledger statistics as an MCP resource, over
// stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banwatch/banwatch/internal/backfill"
	"github.com/banwatch/banwatch/internal/report"
	"github.com/banwatch/banwatch/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   store.Store
	Version string
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
// SQLite (even with WAL) supports only one writer at a time, and concurrent
// reads during writes can return stale results. A global mutex ensures
// correct ordering across tool calls.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Banwatch",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	engine := report.NewEngine(cfg.Store)

	registerStatsTool(s, engine)
	registerRecordTool(s, cfg.Store)
	registerBackfillStatusTool(s, cfg.Store)

	registerLedgerResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerStatsTool(s *server.MCPServer, engine *report.Engine) {
	tool := mcp.NewTool("banwatch_stats",
		mcp.WithDescription("Build aggregate ban statistics: a dense per-day (or per-month) ban series, a per-moderator histogram, and a join-to-ban time distribution."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("since",
			mcp.Description("Window start date as YYYY-MM-DD. Empty = last 30 days."),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		since := ""
		if v, err := req.RequireString("since"); err == nil {
			since = v
		}

		rep, err := engine.Stats(ctx, since, time.Now().UTC())
		if err != nil {
			if errors.Is(err, report.ErrBadSince) || errors.Is(err, report.ErrNoData) {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(statsPayload(rep), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRecordTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("banwatch_record",
		mcp.WithDescription("Look up one offender's ledger record by Discord user ID: join time, ban time, moderator, and reason."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("offender_id",
			mcp.Required(),
			mcp.Description("Discord user ID of the offender"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		offenderID, err := req.RequireString("offender_id")
		if err != nil {
			return mcp.NewToolResultError("offender_id is required"), nil
		}

		rec, err := st.Get(ctx, offenderID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("lookup error: %v", err)), nil
		}
		if rec == nil {
			return mcp.NewToolResultError(fmt.Sprintf("no record for offender %s", offenderID)), nil
		}

		data, _ := json.MarshalIndent(recordPayload(rec), "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerBackfillStatusTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("banwatch_backfill_status",
		mcp.WithDescription("Report historical backfill completion: the global flag plus per-channel flags."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		flags, err := st.MetaByPrefix(ctx, backfill.DoneFlag)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status error: %v", err)), nil
		}

		scopes := map[string]bool{}
		for key, value := range flags {
			if key == backfill.DoneFlag {
				continue
			}
			scope := key[len(backfill.DoneFlag)+1:]
			scopes[scope] = value == "1"
		}

		payload := map[string]interface{}{
			"done":   flags[backfill.DoneFlag] == "1",
			"scopes": scopes,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerLedgerResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"banwatch://ledger/stats",
		"Ledger Statistics",
		mcp.WithResourceDescription("Record counts for the ban ledger: total offenders, banned, and with known join time."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("querying ledger stats: %w", err)
		}

		payload := map[string]interface{}{
			"records": stats.RecordCount,
			"banned":  stats.BannedCount,
			"joined":  stats.JoinedCount,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}

// --- Payload shaping ---

func statsPayload(rep *report.Report) map[string]interface{} {
	series := make([]map[string]interface{}, 0, len(rep.Series))
	for _, p := range rep.Series {
		series = append(series, map[string]interface{}{"label": p.Label, "count": p.Count})
	}
	moderators := make([]map[string]interface{}, 0, len(rep.Moderators))
	for _, p := range rep.Moderators {
		moderators = append(moderators, map[string]interface{}{"moderator": p.Label, "bans": p.Count})
	}

	payload := map[string]interface{}{
		"since":       rep.Since.Format("2006-01-02"),
		"granularity": string(rep.Granularity),
		"series":      series,
		"moderators":  moderators,
	}
	if rep.TimeToBan != nil {
		bins := make([]map[string]interface{}, 0, len(rep.TimeToBan.Bins))
		for _, b := range rep.TimeToBan.Bins {
			bins = append(bins, map[string]interface{}{"range": b.Label, "count": b.Count})
		}
		payload["time_to_ban"] = map[string]interface{}{
			"bins":      bins,
			"max_hours": rep.TimeToBan.MaxHours,
		}
	}
	return payload
}

func recordPayload(rec *store.BanRecord) map[string]interface{} {
	payload := map[string]interface{}{
		"offender_id": rec.OffenderID,
	}
	if rec.OffenderTag != "" {
		payload["offender_tag"] = rec.OffenderTag
	}
	if rec.JoinedAt != nil {
		payload["joined_at"] = rec.JoinedAt.UTC().Format(time.RFC3339)
	}
	if rec.BannedAt != nil {
		payload["banned_at"] = rec.BannedAt.UTC().Format(time.RFC3339)
	}
	if rec.Moderator != "" {
		payload["moderator"] = rec.Moderator
	}
	if rec.Reason != "" {
		payload["reason"] = rec.Reason
	}
	if rec.JoinedAt != nil && rec.BannedAt != nil {
		payload["time_to_ban_hours"] = rec.BannedAt.Sub(*rec.JoinedAt).Hours()
	}
	return payload
}
