// Package mcp exposes the running training loop as MCP tools so an assistant
// can inspect the player and flip its runtime switches.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"snake-dqn/ai"
	"snake-dqn/qlearning"
	"snake-dqn/training"
)

// Server wraps an MCP server bound to one training manager.
type Server struct {
	manager   *training.Manager
	mcpServer *server.MCPServer
}

func NewServer(m *training.Manager, version string) *Server {
	s := &Server{manager: m}
	s.mcpServer = server.NewMCPServer(
		"Sneik",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Sneik - MCP Interface

A snake learns to play by itself with Q-learning. These tools read the live
state of the player and toggle its runtime switches.

AVAILABLE TOOLS:
- game_stats: scores, episode counters and exploration rate
- brain_internals: last action values and a summary of the convolution activations
- replay_buffer: stored transitions, training passes and pending archive samples
- set_turbo: switch between turbo and normal frame delay
- set_activations: enable or disable activation capture`),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, used by the HTTP transport.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// HandleMessage processes one JSON-RPC message.
func (s *Server) HandleMessage(ctx context.Context, body []byte) interface{} {
	return s.mcpServer.HandleMessage(ctx, body)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "game_stats",
		Description: "Get the running statistics of the current training session",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleGameStats)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "brain_internals",
		Description: "Get the last action values and per-layer activation summaries",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleBrainInternals)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "replay_buffer",
		Description: "Get replay buffer size, training passes and archive backlog",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleReplayBuffer)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "set_turbo",
		Description: "Enable or disable turbo mode",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"enabled": map[string]interface{}{
					"type":        "boolean",
					"description": "true for the short frame delay",
				},
			},
			Required: []string{"enabled"},
		},
	}, s.handleSetTurbo)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "set_activations",
		Description: "Enable or disable capturing convolution activations",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"enabled": map[string]interface{}{
					"type":        "boolean",
					"description": "true to capture activation maps on every prediction",
				},
			},
			Required: []string{"enabled"},
		},
	}, s.handleSetActivations)
}

func (s *Server) handleGameStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.manager.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Games: %d (high score %d)\n", snap.Game.Games, snap.Game.HighScore)
	fmt.Fprintf(&b, "Recent average: score %.2f, frames %.1f\n", snap.Game.Score, snap.Game.FramesAlive)
	if snap.History.Games > 0 {
		fmt.Fprintf(&b, "History: %d games, average %.2f, median %.1f, max %d\n",
			snap.History.Games, snap.History.AverageScore, snap.History.MedianScore, snap.History.MaxScore)
	}
	fmt.Fprintf(&b, "Epsilon: %.4f\n", snap.Epsilon)
	fmt.Fprintf(&b, "Running: %t", snap.Running)

	return mcp.NewToolResultText(b.String()), nil
}

// layerSummary condenses one convolution layer.
type layerSummary struct {
	Layer    string  `json:"layer"`
	Channels int     `json:"channels"`
	Shape    [2]int  `json:"shape"`
	Mean     float64 `json:"mean"`
	Max      float64 `json:"max"`
	Dead     int     `json:"dead"`
}

func (s *Server) handleBrainInternals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d := s.manager.Brain().Diagnostics()

	out := struct {
		Epsilon float64            `json:"epsilon"`
		Q       map[string]float64 `json:"q"`
		Best    string             `json:"best,omitempty"`
		Layers  []layerSummary     `json:"layers"`
	}{
		Epsilon: d.Epsilon,
		Q:       make(map[string]float64, len(d.QTable)),
	}
	for i, q := range d.QTable {
		out.Q[ai.Action(i).String()] = q
	}
	if len(d.QTable) > 0 && floats.Max(d.QTable) != floats.Min(d.QTable) {
		out.Best = ai.Action(floats.MaxIdx(d.QTable)).String()
	}

	names := make([]string, 0, len(d.ActivationMaps))
	for name := range d.ActivationMaps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Layers = append(out.Layers, summarize(name, d.ActivationMaps[name]))
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func summarize(name string, maps []qlearning.ActivationMap) layerSummary {
	ls := layerSummary{Layer: name, Channels: len(maps)}
	var all []float64
	for _, m := range maps {
		ls.Shape = m.Shape
		if len(m.Map) > 0 && floats.Max(m.Map) == 0 {
			ls.Dead++
		}
		all = append(all, m.Map...)
	}
	if len(all) > 0 {
		ls.Mean = stat.Mean(all, nil)
		ls.Max = floats.Max(all)
	}
	return ls
}

func (s *Server) handleReplayBuffer(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap := s.manager.Snapshot()
	result := fmt.Sprintf("Buffered transitions: %d\nStored this run: %d of %d steps\nTraining passes: %d\nAwaiting archive: %d",
		snap.Buffer, snap.Stored, snap.Steps, snap.Passes, snap.Archiving)
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleSetTurbo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := boolArg(request, "enabled")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.manager.Game().SetTurbo(enabled)
	return mcp.NewToolResultText(fmt.Sprintf("Turbo mode: %t", enabled)), nil
}

func (s *Server) handleSetActivations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, err := boolArg(request, "enabled")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.manager.Brain().SetGenerateActivations(enabled)
	return mcp.NewToolResultText(fmt.Sprintf("Activation capture: %t", enabled)), nil
}

func boolArg(request mcp.CallToolRequest, name string) (bool, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	v, ok := args[name]
	if !ok {
		return false, fmt.Errorf("missing argument %q", name)
	}
	enabled, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", name)
	}
	return enabled, nil
}
