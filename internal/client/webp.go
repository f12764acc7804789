package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"time"

	"pullcache/internal/config"
	"pullcache/internal/metrics"
)

// Transcoding failure causes. All of them degrade to serving the original.
var (
	ErrWebPTransport = errors.New("webp api: transport error")
	ErrWebPStatus    = errors.New("webp api: unexpected status")
	ErrWebPDecode    = errors.New("webp api: undecodable response")
	ErrWebPRejected  = errors.New("webp api: image not converted")
)

const webpUserAgent = "pullcache webp connector"

// maxWebPResponseBytes bounds the API response read into memory.
const maxWebPResponseBytes = 64 << 20

// WebPImage is one image submitted for conversion.
type WebPImage struct {
	FileID   string
	Filename string
	Content  []byte
}

// webpDescriptor is one entry of the "descriptors" form field.
type webpDescriptor struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
}

type webpEnvelope struct {
	Response []webpResult `json:"response"`
	Message  string       `json:"message,omitempty"`
}

type webpResult struct {
	Status          bool   `json:"status"`
	FileID          string `json:"file_id,omitempty"`
	WebPImageBase64 string `json:"webp_image_base64"`
}

// WebPClient talks to the external image-to-WebP conversion API.
type WebPClient struct {
	httpClient *http.Client
	apiURL     string
	apiKey     string
	keyHeader  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewWebPClient creates a WebPClient. The metrics parameter is optional.
func NewWebPClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *WebPClient {
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		IdleConnTimeout: 90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.WebP.VerifyTLS, //nolint:gosec // see webp.verify_tls
		},
	}

	return &WebPClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.WebP.TimeoutSeconds) * time.Second,
		},
		apiURL:    cfg.WebP.APIURL,
		apiKey:    cfg.WebP.APIKey,
		keyHeader: cfg.WebP.APIKeyHeader,
		logger:    logger.With("component", "webp_client"),
		metrics:   m,
	}
}

// Enabled reports whether the client has both an endpoint and a key.
func (c *WebPClient) Enabled() bool {
	return c != nil && c.apiURL != "" && c.apiKey != ""
}

// Convert uploads img and returns the decoded WebP bytes. Every failure is
// reported as an error wrapping one of the ErrWebP* causes.
func (c *WebPClient) Convert(ctx context.Context, img WebPImage) ([]byte, error) {
	body, contentType, err := encodeWebPRequest([]WebPImage{img})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrWebPTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrWebPTransport, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", webpUserAgent)
	req.Header.Set(c.keyHeader, c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()
	if err != nil {
		c.metrics.ObserveUpstream(metrics.TargetWebP, 0, duration)
		return nil, fmt.Errorf("%w: %w", ErrWebPTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.ObserveUpstream(metrics.TargetWebP, resp.StatusCode, duration)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebPResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrWebPTransport, err)
	}

	var env webpEnvelope
	jsonErr := json.Unmarshal(raw, &env)

	if resp.StatusCode != http.StatusOK {
		if jsonErr == nil && env.Message != "" {
			return nil, fmt.Errorf("%w: %d: %s", ErrWebPStatus, resp.StatusCode, env.Message)
		}
		return nil, fmt.Errorf("%w: %d", ErrWebPStatus, resp.StatusCode)
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrWebPDecode, jsonErr)
	}
	if env.Response == nil {
		return nil, fmt.Errorf("%w: missing response key", ErrWebPDecode)
	}
	if len(env.Response) == 0 || !env.Response[0].Status {
		return nil, ErrWebPRejected
	}

	decoded, err := base64.StdEncoding.DecodeString(env.Response[0].WebPImageBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %w", ErrWebPDecode, err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrWebPDecode)
	}

	c.logger.Debug("image converted", "file_id", img.FileID, "bytes", len(decoded))
	return decoded, nil
}

// encodeWebPRequest builds the multipart body: one images[n] part per image
// followed by the JSON descriptors field.
func encodeWebPRequest(images []WebPImage) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	descriptors := make([]webpDescriptor, 0, len(images))
	for i, img := range images {
		partHeader := make(textproto.MIMEHeader)
		partHeader.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name="images[%d]"; filename=%q`, i, filepath.Base(img.Filename)))
		partHeader.Set("Content-Type", http.DetectContentType(img.Content))

		part, err := w.CreatePart(partHeader)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(img.Content); err != nil {
			return nil, "", err
		}
		descriptors = append(descriptors, webpDescriptor{FileID: img.FileID, Filename: filepath.Base(img.Filename)})
	}

	encoded, err := json.Marshal(descriptors)
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("descriptors", string(encoded)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
