// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes gallery tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/gallery/internal/apperr"
	"github.com/starford/gallery/internal/imageservice"
	"github.com/starford/gallery/internal/index"
)

const (
	manifestFormatURI = "gallery://manifest-format"
	defaultLimit      = 20
	maxLimit          = 200
)

// Server wraps the MCP server with gallery tools.
type Server struct {
	mcp *server.MCPServer
	svc *imageservice.Service
}

// New creates a new MCP server with all gallery tools registered.
func New(svc *imageservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Gallery",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_images",
		mcp.WithDescription("List gallery images, newest first unless another order is requested."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of images (default 20, max 200)")),
		mcp.WithNumber("offset", mcp.Description("Number of images to skip")),
		mcp.WithString("sort", mcp.Description("Sort order"), mcp.Enum(index.SortNewest, index.SortOldest, index.SortName, index.SortManifest)),
	), s.listImages)

	s.mcp.AddTool(mcp.NewTool("get_image",
		mcp.WithDescription("Get the full record of one image by id (img_ followed by 8 hex characters)."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Image id, e.g. img_9e107d9d")),
	), s.getImage)

	s.mcp.AddTool(mcp.NewTool("sync_history",
		mcp.WithDescription("Recent sync cycles with their outcome and change counts, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	), s.syncHistory)

	s.mcp.AddTool(mcp.NewTool("preview_changes",
		mcp.WithDescription("Scan storage now and report which images would be added, updated or deleted "+
			"relative to the indexed gallery. Nothing is published."),
	), s.previewChanges)

	s.mcp.AddTool(mcp.NewTool("upload_image",
		mcp.WithDescription("Upload an image into the gallery upload folder. "+
			"Accepts an http(s) URL or a base64 data URI. Supported types: jpg, png, gif, webp."),
		mcp.WithString("source", mcp.Required(), mcp.Description("http(s) URL or data:image/...;base64,... URI")),
		mcp.WithString("filename", mcp.Description("Optional filename; derived from the source when empty")),
	), s.uploadImage)

	s.mcp.AddTool(mcp.NewTool("delete_image",
		mcp.WithDescription("Delete one image from storage by id. A sync is queued afterwards."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Image id")),
	), s.deleteImage)

	s.mcp.AddTool(mcp.NewTool("get_manifest_format",
		mcp.WithDescription("Describes the gallery manifest document and how changes between manifests are classified."),
	), s.getManifestFormat)

	s.mcp.AddResource(
		mcp.NewResource(manifestFormatURI, "Manifest Format",
			mcp.WithResourceDescription("Gallery manifest document structure and change rules."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readManifestFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultLimit
	case n > maxLimit:
		return maxLimit
	}
	return n
}

func (s *Server) listImages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := clampLimit(req.GetInt("limit", defaultLimit))
	offset := max(req.GetInt("offset", 0), 0)
	images, total, err := s.svc.ListImages(ctx, limit, offset, req.GetString("sort", index.SortNewest))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"images": images, "total": total})
}

func (s *Server) getImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	img, err := s.svc.GetImage(ctx, id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(img)
}

func (s *Server) syncHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runs, err := s.svc.History(ctx, clampLimit(req.GetInt("limit", defaultLimit)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no sync runs recorded"), nil
	}
	return jsonResult(runs)
}

func (s *Server) previewChanges(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	delta, err := s.svc.Preview(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if delta.Empty() {
		return mcp.NewToolResultText("no changes"), nil
	}
	return jsonResult(delta)
}

func (s *Server) deleteImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := s.svc.DeleteImages(ctx, []string{id})[0]
	switch res.Status {
	case imageservice.StatusDeleted:
		return mcp.NewToolResultText(fmt.Sprintf("deleted: %s (%s)", res.ID, res.Path)), nil
	case imageservice.StatusNotFound:
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	default:
		return mcp.NewToolResultError(res.Error), nil
	}
}

func (s *Server) getManifestFormat(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(ManifestFormat), nil
}

func (s *Server) readManifestFormatResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      manifestFormatURI,
			MIMEType: "text/markdown",
			Text:     ManifestFormat,
		},
	}, nil
}
