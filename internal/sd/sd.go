// Package sd is the HTTP client for a stable-diffusion-webui compatible
// generation backend (sdapi/v1). It implements task.Backend: every request
// is built with the caller's context, so an in-flight generation stops being
// waited for the moment the task is cancelled.
package sd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/darkroom/internal/config"
	"github.com/zulandar/darkroom/internal/models"
	"github.com/zulandar/darkroom/internal/task"
)

// batchSize is how many images one generation request produces.
const batchSize = 4

// Client talks to one stable-diffusion-webui instance.
type Client struct {
	baseURL string
	cfg     *config.Config
	http    *http.Client

	mu         sync.Mutex
	checkpoint string // currently loaded checkpoint, cached to skip redundant switches
}

// Opts holds parameters for creating a Client.
type Opts struct {
	Config *config.Config
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// New creates a Client from the backend section of the config.
func New(opts Opts) (*Client, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("sd: config is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := time.Duration(opts.Config.Backend.TimeoutSec) * time.Second
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.Config.Backend.URL, "/"),
		cfg:     opts.Config,
		http:    hc,
	}, nil
}

// Generate dispatches on the request kind. Satisfies task.Backend.
func (c *Client) Generate(ctx context.Context, req task.Request) ([]task.Artifact, error) {
	switch req.Kind {
	case models.ActionTxt2Img:
		return c.txt2img(ctx, req)
	case models.ActionImg2Img:
		return c.img2img(ctx, req)
	case models.ActionRescale:
		return c.rescale(ctx, req)
	default:
		return nil, fmt.Errorf("sd: unknown generation kind %q", req.Kind)
	}
}

// Ping checks backend connectivity.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sdapi/v1/sd-models", nil)
	if err != nil {
		return fmt.Errorf("sd: build ping: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sd: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sd: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Models returns the checkpoint titles the backend has loaded.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var out []struct {
		Title string `json:"title"`
	}
	if err := c.get(ctx, "/sdapi/v1/sd-models", &out); err != nil {
		return nil, err
	}
	titles := make([]string, len(out))
	for i, m := range out {
		titles[i] = m.Title
	}
	return titles, nil
}

// generationResponse is the shared shape of txt2img/img2img responses.
type generationResponse struct {
	Images []string `json:"images"`
}

func (c *Client) txt2img(ctx context.Context, req task.Request) ([]task.Artifact, error) {
	model, payload, err := c.basePayload(req)
	if err != nil {
		return nil, err
	}
	if err := c.ensureCheckpoint(ctx, model.Checkpoint); err != nil {
		return nil, err
	}

	var resp generationResponse
	if err := c.post(ctx, "/sdapi/v1/txt2img", payload, &resp); err != nil {
		return nil, err
	}
	return decodeArtifacts(resp.Images, filePrefix(req))
}

func (c *Client) img2img(ctx context.Context, req task.Request) ([]task.Artifact, error) {
	if len(req.InitImage) == 0 {
		return nil, fmt.Errorf("sd: img2img requires a source image")
	}
	model, payload, err := c.basePayload(req)
	if err != nil {
		return nil, err
	}
	payload["init_images"] = []string{imageRepr(req.InitImage)}
	if err := c.ensureCheckpoint(ctx, model.Checkpoint); err != nil {
		return nil, err
	}

	var resp generationResponse
	if err := c.post(ctx, "/sdapi/v1/img2img", payload, &resp); err != nil {
		return nil, err
	}
	return decodeArtifacts(resp.Images, filePrefix(req))
}

// rescale upscales the source image 2x without a checkpoint switch.
func (c *Client) rescale(ctx context.Context, req task.Request) ([]task.Artifact, error) {
	if len(req.InitImage) == 0 {
		return nil, fmt.Errorf("sd: rescale requires a source image")
	}
	payload := map[string]any{
		"image":            imageRepr(req.InitImage),
		"upscaling_resize": 2,
		"upscaler_1":       "Lanczos",
	}

	var resp struct {
		Image string `json:"image"`
	}
	if err := c.post(ctx, "/sdapi/v1/extra-single-image", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Image == "" {
		return nil, fmt.Errorf("sd: rescale returned no image")
	}
	return decodeArtifacts([]string{resp.Image}, filePrefix(req))
}

// basePayload resolves the model and image size for the request and builds
// the common generation payload, merging the model's configured params.
func (c *Client) basePayload(req task.Request) (config.ModelConfig, map[string]any, error) {
	model, ok := c.cfg.Model(req.Model)
	if !ok {
		return config.ModelConfig{}, nil, fmt.Errorf("sd: model index %d out of range", req.Model)
	}
	size, err := c.cfg.ImageSize(req.Model, req.Orientation)
	if err != nil {
		return config.ModelConfig{}, nil, fmt.Errorf("sd: %w", err)
	}
	w, h, err := parseSize(size)
	if err != nil {
		return config.ModelConfig{}, nil, err
	}

	payload := map[string]any{
		"prompt":              req.Prompt,
		"width":               w,
		"height":              h,
		"n_iter":              batchSize,
		"do_not_save_samples": true,
	}
	for k, v := range model.Params {
		payload[k] = v
	}
	return model, payload, nil
}

// ensureCheckpoint switches the backend's loaded checkpoint when it differs
// from the cached one. The webui holds exactly one checkpoint at a time, so
// the switch is an options POST, not a per-request parameter.
func (c *Client) ensureCheckpoint(ctx context.Context, checkpoint string) error {
	c.mu.Lock()
	current := c.checkpoint
	c.mu.Unlock()
	if current == checkpoint {
		return nil
	}

	payload := map[string]any{"sd_model_checkpoint": checkpoint}
	if err := c.post(ctx, "/sdapi/v1/options", payload, nil); err != nil {
		return fmt.Errorf("sd: switch checkpoint to %q: %w", checkpoint, err)
	}

	c.mu.Lock()
	c.checkpoint = checkpoint
	c.mu.Unlock()
	return nil
}

// get issues a GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("sd: build %s: %w", path, err)
	}
	return c.do(req, path, out)
}

// post issues a JSON POST and decodes the response into out when non-nil.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sd: marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sd: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sd: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sd: %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sd: decode %s response: %w", path, err)
	}
	return nil
}

// imageRepr encodes raw PNG bytes as the data URI the webui expects.
func imageRepr(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}

// decodeArtifacts converts base64 response images into named artifacts.
// Responses may carry a data URI prefix; only the payload after the comma
// is image data.
func decodeArtifacts(images []string, prefix string) ([]task.Artifact, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("sd: backend returned no images")
	}
	artifacts := make([]task.Artifact, 0, len(images))
	for i, img := range images {
		if idx := strings.Index(img, ","); idx >= 0 && strings.HasPrefix(img, "data:") {
			img = img[idx+1:]
		}
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return nil, fmt.Errorf("sd: decode image %d: %w", i, err)
		}
		artifacts = append(artifacts, task.Artifact{
			Name: fmt.Sprintf("%s_%d.png", prefix, i),
			PNG:  raw,
		})
	}
	return artifacts, nil
}

// filePrefix builds a readable artifact name prefix from the request,
// capped at the first five prompt words.
func filePrefix(req task.Request) string {
	words := strings.Fields(req.Prompt)
	if len(words) > 5 {
		words = words[:5]
	}
	parts := append([]string{req.Kind, strconv.FormatInt(req.UserID, 10)}, words...)
	return strings.Join(parts, "_")
}

// parseSize splits a "WxH" size string.
func parseSize(size string) (int, int, error) {
	parts := strings.Split(size, "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("sd: bad size %q, want WxH", size)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("sd: bad width in %q", size)
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("sd: bad height in %q", size)
	}
	return w, h, nil
}
