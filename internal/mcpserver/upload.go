package mcpserver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	maxImageSize = 5 << 20
	fetchTimeout = 30 * time.Second
)

var (
	extByMIME = map[string]string{
		"image/jpeg": ".jpg",
		"image/png":  ".png",
		"image/gif":  ".gif",
		"image/webp": ".webp",
	}
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

func (s *Server) uploadImage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	filename := req.GetString("filename", "")

	var data []byte
	var mime string
	switch {
	case strings.HasPrefix(source, "data:"):
		data, mime, err = decodeDataURI(source)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		data, mime, err = fetchHTTP(ctx, source)
		if filename == "" {
			filename = filenameFromURL(source)
		}
	default:
		err = errors.New("source must be an http(s) URL or a data URI")
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sniffed := http.DetectContentType(data)
	if _, ok := extByMIME[sniffed]; !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported image content: %s", sniffed)), nil
	}
	if mime != "" && !strings.HasPrefix(mime, "image/") {
		return mcp.NewToolResultError(fmt.Sprintf("source is not an image: %s", mime)), nil
	}
	filename = normalizeFilename(filename, sniffed)

	res, err := s.svc.Upload(ctx, filename, data)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(res)
}

// decodeDataURI parses data:<mime>;base64,<payload>.
func decodeDataURI(uri string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data URI")
	}
	mime, enc, _ := strings.Cut(header, ";")
	if enc != "base64" {
		return nil, "", errors.New("data URI must be base64 encoded")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxImageSize {
		return nil, "", fmt.Errorf("image too large (max %d bytes)", maxImageSize)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data URI: %w", err)
	}
	return data, mime, nil
}

func fetchHTTP(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if err := checkBlockedHost(u.Hostname()); err != nil {
		return nil, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxImageSize {
		return nil, "", fmt.Errorf("image too large (max %d bytes)", maxImageSize)
	}
	mime, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return data, strings.TrimSpace(mime), nil
}

// checkBlockedHost rejects loopback, private and link-local targets.
func checkBlockedHost(host string) error {
	if host == "" || strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %q", host)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("blocked host: %s resolves to %s", host, ip)
		}
	}
	return nil
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}

// normalizeFilename strips unsafe characters and forces the extension that
// matches the sniffed content.
func normalizeFilename(name, mime string) string {
	ext := extByMIME[mime]
	stem := strings.TrimSuffix(path.Base(name), path.Ext(name))
	stem = strings.Trim(unsafeChars.ReplaceAllString(stem, "-"), "-.")
	if stem == "" || stem == "." {
		stem = "image-" + uuid.NewString()[:8]
	}
	if cur := strings.ToLower(path.Ext(name)); cur == ext || (ext == ".jpg" && cur == ".jpeg") {
		return stem + cur
	}
	return stem + ext
}
