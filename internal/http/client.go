package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/handiism/media-enhancer/internal/model"
)

// DefaultChunkSize is the number of bytes written to disk per read while
// retrieving a result.
const DefaultChunkSize = 2048

const (
	headerAPIKey = "X-API-Key"
	maxErrorBody = 4096
	mediaPath    = "media"
	enhancePath  = "enhance"
)

// ErrUnexpectedStatus matches every *StatusError.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// StatusError reports a response whose status was not the one the
// operation expects. Body holds the (truncated) response text.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Code, body)
}

// Is lets errors.Is(err, ErrUnexpectedStatus) match.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. "https://api.ai-coustics.com/v1".
	BaseURL string

	// APIKey is sent as X-API-Key on every request.
	APIKey string

	// MaxConnections bounds concurrent connections to the service.
	// Zero leaves the transport unbounded.
	MaxConnections int

	// Timeout is the total time allowed for one request, body included.
	Timeout time.Duration

	// ChunkSize is the copy buffer used by Download. Defaults to
	// DefaultChunkSize.
	ChunkSize int

	// UserAgent defaults to "media-enhancer".
	UserAgent string
}

// Client is the session shared by every upload and download worker.
//
// Client provides:
//   - A connection pool bounded by Options.MaxConnections
//   - The API credential header on every request
//   - Streaming multipart uploads that never buffer the whole file
//   - Chunked downloads written through a temporary ".part" file
//
// Example usage:
//
//	client, err := NewClient(Options{
//	    BaseURL:        "https://api.ai-coustics.com/v1",
//	    APIKey:         creds.APIKey,
//	    MaxConnections: 100,
//	    Timeout:        300 * time.Second,
//	})
//	defer client.Close()
//
//	token, err := client.Upload(ctx, "samples/track1.mp3", req)
//	n, err := client.Download(ctx, token, "results/"+token.FileName("wav"))
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	baseURL    *url.URL
	apiKey     string
	userAgent  string
	chunkSize  int
}

// NewClient opens a session against the enhancement service.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("http client: API key is required")
	}
	base, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("http client: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("http client: base URL %q must be http or https", opts.BaseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.MaxConnections > 0 {
		transport.MaxConnsPerHost = opts.MaxConnections
		transport.MaxIdleConnsPerHost = opts.MaxConnections
	}

	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "media-enhancer"
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		transport: transport,
		baseURL:   base,
		apiKey:    opts.APIKey,
		userAgent: ua,
		chunkSize: chunk,
	}, nil
}

// Close releases idle connections. In-flight requests are not interrupted;
// cancel their contexts for that.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// progressWriter counts bytes written through it and reports each write.
type progressWriter struct {
	writer   io.Writer
	total    int64
	written  int64
	onUpdate func(written, total int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.onUpdate != nil {
		pw.onUpdate(pw.written, pw.total)
	}
	return n, err
}

type uploadResponse struct {
	GeneratedName string `json:"generated_name"`
}

// Upload sends the file at path together with the enhancement parameters
// and returns the token minted by the service.
//
// The multipart body is streamed through a pipe. Any status other than
// 201 Created is returned as a *StatusError.
func (c *Client) Upload(ctx context.Context, path string, req model.EnhancementRequest) (model.CompletionToken, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	writeDone := make(chan error, 1)

	go func() {
		err := writeForm(form, req, filepath.Base(path), file)
		pw.CloseWithError(err)
		writeDone <- err
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(mediaPath, enhancePath), pr)
	if err != nil {
		pr.Close()
		<-writeDone
		return "", err
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	pr.Close()
	writeErr := <-writeDone
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", readStatusError("upload", resp)
	}
	if writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) {
		return "", fmt.Errorf("upload %s: %w", filepath.Base(path), writeErr)
	}

	var body uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("upload: decode response: %w", err)
	}
	return model.ParseToken(body.GeneratedName)
}

func writeForm(form *multipart.Writer, req model.EnhancementRequest, fileName string, src io.Reader) error {
	for _, field := range req.Fields() {
		if err := form.WriteField(field.Name, field.Value); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return form.Close()
}

// Download retrieves the result for token and writes it to destPath,
// creating parent directories as needed. It returns the number of bytes
// written.
func (c *Client) Download(ctx context.Context, token model.CompletionToken, destPath string) (int64, error) {
	return c.DownloadWithProgress(ctx, token, destPath, nil)
}

// DownloadWithProgress is Download with an optional progress callback,
// called after every chunk with the bytes written so far and the
// Content-Length (-1 when unknown).
//
// The body is copied in fixed-size chunks to destPath+".part", which is
// renamed into place only after the copy succeeds. A failed or cancelled
// download leaves no file behind.
func (c *Client) DownloadWithProgress(ctx context.Context, token model.CompletionToken, destPath string, onProgress func(written, total int64)) (int64, error) {
	if _, err := model.ParseToken(token.String()); err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(mediaPath, token.String()), nil)
	if err != nil {
		return 0, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", token, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, readStatusError("download", resp)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("download: create output dir: %w", err)
	}

	partPath := destPath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}

	// progressWriter hides *os.File's ReadFrom, so CopyBuffer honours the
	// chunk size.
	writer := &progressWriter{writer: file, total: resp.ContentLength, onUpdate: onProgress}
	n, copyErr := io.CopyBuffer(writer, struct{ io.Reader }{resp.Body}, make([]byte, c.chunkSize))
	closeErr := file.Close()

	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(partPath)
		return n, fmt.Errorf("download %s: %w", token, copyErr)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		return n, fmt.Errorf("download: %w", err)
	}
	return n, nil
}

// endpoint joins elem onto the base URL. Tokens reaching here have passed
// model.ParseToken, so no element needs escaping.
func (c *Client) endpoint(elem ...string) string {
	return c.baseURL.JoinPath(elem...).String()
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
}

func readStatusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: string(body)}
}
