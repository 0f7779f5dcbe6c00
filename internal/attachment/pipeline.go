// Package attachment moves media between the chat platform and the
// agent. Both directions delegate network transfer to injected clients;
// the pipeline owns only local staging and cleanup.
package attachment

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ResourceFetcher downloads a media resource attached to a platform
// message.
type ResourceFetcher interface {
	FetchMessageResource(ctx context.Context, messageID, fileKey string) ([]byte, error)
}

// ImageUploader exchanges raw image bytes for a platform media handle.
type ImageUploader interface {
	UploadImage(ctx context.Context, r io.Reader) (string, error)
}

// ImageSender delivers an uploaded image handle to a conversation.
type ImageSender interface {
	SendImage(ctx context.Context, conversationID, imageKey string) error
}

type Pipeline struct {
	logger   *slog.Logger
	mediaDir string
	fetcher  ResourceFetcher
	uploader ImageUploader
	sender   ImageSender
	client   *http.Client
}

func NewPipeline(logger *slog.Logger, mediaDir string, fetcher ResourceFetcher, uploader ImageUploader, sender ImageSender) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:   logger.With(slog.String("component", "attachment")),
		mediaDir: mediaDir,
		fetcher:  fetcher,
		uploader: uploader,
		sender:   sender,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchInbound downloads an inbound media reference to local storage
// under a content-derived filename and returns the local path. A
// zero-byte artifact is removed and reported as a failure.
func (p *Pipeline) FetchInbound(ctx context.Context, messageID, fileKey string) (string, error) {
	if p.fetcher == nil {
		return "", fmt.Errorf("resource fetcher not configured")
	}
	data, err := p.fetcher.FetchMessageResource(ctx, messageID, fileKey)
	if err != nil {
		return "", fmt.Errorf("fetch message resource: %w", err)
	}

	if err := os.MkdirAll(p.mediaDir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	sum := sha256.Sum256(data)
	name := fmt.Sprintf("%x%s", sum[:16], extensionFor(data))
	path := filepath.Join(p.mediaDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat media file: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return "", fmt.Errorf("fetched media %s is empty", fileKey)
	}

	p.logger.Debug("inbound media stored",
		slog.String("message_id", messageID),
		slog.String("path", path),
		slog.Int64("bytes", info.Size()),
	)
	return path, nil
}

// DeliverOutbound stages an agent-produced media URL (or local path) in
// a temporary file, uploads it for a platform image key and sends that
// key to the conversation. The temporary file is always removed.
func (p *Pipeline) DeliverOutbound(ctx context.Context, conversationID, mediaURL string) error {
	if p.uploader == nil || p.sender == nil {
		return fmt.Errorf("image uploader/sender not configured")
	}

	tmpPath, err := p.stage(ctx, mediaURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("failed to remove staged media", slog.String("path", tmpPath), slog.Any("error", err))
		}
	}()

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("open staged media: %w", err)
	}
	defer f.Close()

	imageKey, err := p.uploader.UploadImage(ctx, f)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	if err := p.sender.SendImage(ctx, conversationID, imageKey); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	return nil
}

func (p *Pipeline) stage(ctx context.Context, mediaURL string) (string, error) {
	tmp, err := os.CreateTemp("", "larkgate-media-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmp.Close()

	var src io.ReadCloser
	if strings.HasPrefix(mediaURL, "http://") || strings.HasPrefix(mediaURL, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			_ = os.Remove(tmp.Name())
			return "", fmt.Errorf("build media request: %w", err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			_ = os.Remove(tmp.Name())
			return "", fmt.Errorf("fetch media url: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			_ = os.Remove(tmp.Name())
			return "", fmt.Errorf("fetch media url: unexpected status %d", resp.StatusCode)
		}
		src = resp.Body
	} else {
		f, err := os.Open(strings.TrimPrefix(mediaURL, "file://"))
		if err != nil {
			_ = os.Remove(tmp.Name())
			return "", fmt.Errorf("open local media: %w", err)
		}
		src = f
	}
	defer src.Close()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stage media: %w", err)
	}
	return tmp.Name(), nil
}

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}
