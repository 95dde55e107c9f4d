// Package mcpserver exposes the vault tools over the Model Context Protocol
// on stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/ansuz/internal/tools"
)

const noteFormatURI = "ansuz://note-format"

// ToolRunner executes a named tool with raw JSON arguments.
type ToolRunner interface {
	Run(ctx context.Context, name string, raw json.RawMessage) (string, error)
}

// Server wraps the MCP server with the vault tools.
type Server struct {
	mcp    *server.MCPServer
	runner ToolRunner
	log    *slog.Logger
}

// New creates an MCP server with every catalogue tool registered.
func New(runner ToolRunner, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{runner: runner, log: logger.With(slog.String("component", "mcp"))}

	s.mcp = server.NewMCPServer(
		"Ansuz",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	for _, d := range tools.Catalogue() {
		s.mcp.AddTool(mcp.NewToolWithRawSchema(d.Name, d.Description, d.SchemaJSON()), s.handler(d.Name))
	}

	s.mcp.AddResource(
		mcp.NewResource(noteFormatURI, "Note Format",
			mcp.WithResourceDescription("How notes are parsed: frontmatter fields, titles, tags and links."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readNoteFormat,
	)

	return s
}

// ServeStdio serves MCP on stdin/stdout until the stream closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// handler adapts one tool to an MCP handler. Tool failures become error
// results so the client model can react to them.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := rawArguments(req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := s.runner.Run(ctx, name, raw)
		if err != nil {
			s.log.Debug("mcp: tool failed", slog.String("tool", name), slog.String("error", err.Error()))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

func rawArguments(req mcp.CallToolRequest) (json.RawMessage, error) {
	switch v := req.GetRawArguments().(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func (s *Server) readNoteFormat(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      noteFormatURI,
			MIMEType: "text/markdown",
			Text:     NoteFormat,
		},
	}, nil
}
