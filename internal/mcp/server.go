// Package mcp exposes the sandbox orchestrator as MCP tools over stdio.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aspectrr/fluid.sh/preview/internal/apply"
	"github.com/aspectrr/fluid.sh/preview/internal/devserver"
	"github.com/aspectrr/fluid.sh/preview/internal/orchestrator"
	"github.com/aspectrr/fluid.sh/preview/internal/packages"
)

// mcpDistinctID attributes telemetry for tool calls.
const mcpDistinctID = "mcp-agent"

// Services are the components the tools drive.
type Services struct {
	Orchestrator *orchestrator.Service
	Applicator   *apply.Applicator
	Installer    *packages.Installer
	Restarter    *devserver.Restarter
}

// Server wraps an MCP server that exposes the sandbox tools.
type Server struct {
	orchestrator *orchestrator.Service
	applicator   *apply.Applicator
	installer    *packages.Installer
	restarter    *devserver.Restarter
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewServer creates an MCP server wired to svc.
func NewServer(svc Services, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orchestrator: svc.Orchestrator,
		applicator:   svc.Applicator,
		installer:    svc.Installer,
		restarter:    svc.Restarter,
		logger:       logger.With("component", "mcp"),
	}

	s.mcpServer = server.NewMCPServer("preview", version,
		server.WithToolCapabilities(false),
	)

	s.registerTools()
	return s
}

// Serve starts the MCP server on stdio. Blocks until the connection closes.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

func sandboxIDParam() mcp.ToolOption {
	return mcp.WithString("sandbox_id", mcp.Description("Sandbox ID. Defaults to the active sandbox."))
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_sandbox",
		mcp.WithDescription("Create a sandbox running a Vite React app, or return the active one if it is still alive."),
	), s.handleCreateSandbox)

	s.mcpServer.AddTool(mcp.NewTool("sandbox_status",
		mcp.WithDescription("Report whether a sandbox is active and healthy."),
	), s.handleSandboxStatus)

	s.mcpServer.AddTool(mcp.NewTool("apply_code",
		mcp.WithDescription("Apply a generated response containing <file>, <edit>, <package> and <command> blocks to the sandbox."),
		mcp.WithString("response", mcp.Required(), mcp.Description("The generated response text.")),
		mcp.WithBoolean("is_edit", mcp.Description("Apply <edit> blocks through the merge service. Default: false.")),
		mcp.WithArray("packages", mcp.Description("Extra npm packages to install."), mcp.WithStringItems()),
		sandboxIDParam(),
	), s.handleApplyCode)

	s.mcpServer.AddTool(mcp.NewTool("run_command",
		mcp.WithDescription("Run a shell command in the sandbox project directory."),
		mcp.WithString("command", mcp.Required(), mcp.Description("The shell command to execute.")),
		sandboxIDParam(),
	), s.handleRunCommand)

	s.mcpServer.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a project file from the sandbox."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Project-relative file path, e.g. 'src/App.jsx'.")),
		sandboxIDParam(),
	), s.handleReadFile)

	s.mcpServer.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List project files, excluding dependency and build directories."),
		sandboxIDParam(),
	), s.handleListFiles)

	s.mcpServer.AddTool(mcp.NewTool("install_packages",
		mcp.WithDescription("Install npm packages not yet declared in package.json, then restart the dev server."),
		mcp.WithArray("packages", mcp.Required(), mcp.Description("Package names, optionally with versions."), mcp.WithStringItems()),
		sandboxIDParam(),
	), s.handleInstallPackages)

	s.mcpServer.AddTool(mcp.NewTool("restart_dev_server",
		mcp.WithDescription("Restart the Vite dev server. Repeated requests inside the cooldown are skipped."),
		sandboxIDParam(),
	), s.handleRestartDevServer)

	s.mcpServer.AddTool(mcp.NewTool("kill_sandbox",
		mcp.WithDescription("Terminate the active sandbox."),
	), s.handleKillSandbox)
}
