package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/consolidate"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/health"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/horizon"
	"github.com/vanfleet-dev/mcp-memory-service-sub001/pkg/schedule"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve consolidation control tools over MCP stdio",
	Long: `Runs the scheduler and exposes consolidation control as MCP tools
on stdin/stdout, for use from an MCP client configuration.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

// MCPServer holds the components the consolidation tools act on.
type MCPServer struct {
	consolidator *consolidate.Consolidator
	scheduler    *schedule.Scheduler
	monitor      *health.Monitor
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sched, err := schedule.New(runFunc(a.consolidator), scheduleConfig(viper.GetViper()),
		schedule.WithLogger(a.logger.Named("schedule")))
	if err != nil {
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()

	m := &MCPServer{consolidator: a.consolidator, scheduler: sched, monitor: a.monitor}
	return server.ServeStdio(m.newServer())
}

func (m *MCPServer) newServer() *server.MCPServer {
	s := server.NewMCPServer("memcon", "1.0.0", server.WithToolCapabilities(false))

	horizonArg := mcp.WithString("horizon",
		mcp.Description("Time horizon: daily, weekly, monthly, quarterly or yearly"),
		mcp.Enum("daily", "weekly", "monthly", "quarterly", "yearly"),
	)

	s.AddTool(mcp.NewTool("trigger_consolidation",
		mcp.WithDescription("Queue a consolidation run for a time horizon, optionally after a delay"),
		mcp.WithString("horizon", mcp.Required(),
			mcp.Description("Time horizon: daily, weekly, monthly, quarterly or yearly"),
			mcp.Enum("daily", "weekly", "monthly", "quarterly", "yearly")),
		mcp.WithNumber("delay_seconds", mcp.Description("Seconds to wait before running")),
	), m.handleTrigger)

	s.AddTool(mcp.NewTool("pause_consolidation",
		mcp.WithDescription("Pause scheduled runs for one horizon, or all when horizon is omitted"),
		horizonArg,
	), m.handlePause)

	s.AddTool(mcp.NewTool("resume_consolidation",
		mcp.WithDescription("Resume scheduled runs for one horizon, or all when horizon is omitted"),
		horizonArg,
	), m.handleResume)

	s.AddTool(mcp.NewTool("scheduler_status",
		mcp.WithDescription("Show job schedules, next runs and recent job history"),
	), m.handleStatus)

	s.AddTool(mcp.NewTool("consolidation_health",
		mcp.WithDescription("Show the consolidation health snapshot"),
	), m.handleHealth)

	s.AddTool(mcp.NewTool("resolve_alert",
		mcp.WithDescription("Mark a health alert as resolved"),
		mcp.WithString("alert_id", mcp.Required(), mcp.Description("Alert ID")),
	), m.handleResolveAlert)

	s.AddTool(mcp.NewTool("consolidation_recommendation",
		mcp.WithDescription("Report whether consolidating a horizon now is worthwhile"),
		mcp.WithString("horizon", mcp.Required(),
			mcp.Description("Time horizon: daily, weekly, monthly, quarterly or yearly"),
			mcp.Enum("daily", "weekly", "monthly", "quarterly", "yearly")),
	), m.handleRecommendation)

	s.AddTool(mcp.NewTool("recover_memory",
		mcp.WithDescription("Restore an archived memory into storage by content hash"),
		mcp.WithString("content_hash", mcp.Required(), mcp.Description("Content hash of the archived memory")),
	), m.handleRecover)

	return s
}

func (m *MCPServer) handleTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	name, _ := args["horizon"].(string)
	h, err := horizon.Parse(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var delay time.Duration
	if v, ok := args["delay_seconds"].(float64); ok && v > 0 {
		delay = time.Duration(v * float64(time.Second))
	}

	if err := m.scheduler.TriggerNow(h, delay); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger error: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"status":       "scheduled",
		"time_horizon": h,
		"delay":        delay.String(),
	})
}

func (m *MCPServer) handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.setPaused(request, true)
}

func (m *MCPServer) handleResume(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.setPaused(request, false)
}

func (m *MCPServer) setPaused(request mcp.CallToolRequest, paused bool) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	var h horizon.Horizon
	if name, _ := args["horizon"].(string); name != "" {
		var err error
		if h, err = horizon.Parse(name); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	op, status := m.scheduler.Resume, "resumed"
	if paused {
		op, status = m.scheduler.Pause, "paused"
	}
	if err := op(h); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	scope := "all"
	if h != "" {
		scope = h.String()
	}
	return jsonResult(map[string]string{"status": status, "scope": scope})
}

func (m *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(m.scheduler.Status())
}

func (m *MCPServer) handleHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(m.monitor.Snapshot(ctx))
}

func (m *MCPServer) handleResolveAlert(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	id, _ := args["alert_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("alert_id is required"), nil
	}
	if err := m.monitor.ResolveAlert(id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{"status": "resolved", "id": id})
}

func (m *MCPServer) handleRecommendation(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	name, _ := args["horizon"].(string)
	h, err := horizon.Parse(name)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := m.consolidator.Recommend(ctx, h)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recommendation error: %v", err)), nil
	}
	return jsonResult(rec)
}

func (m *MCPServer) handleRecover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	hash, _ := args["content_hash"].(string)
	if hash == "" {
		return mcp.NewToolResultError("content_hash is required"), nil
	}
	restored, err := m.consolidator.Recover(ctx, hash)
	if errors.Is(err, consolidate.ErrForgettingDisabled) {
		return mcp.NewToolResultError("forgetting is disabled, nothing is archived"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recover error: %v", err)), nil
	}
	return jsonResult(restored)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
