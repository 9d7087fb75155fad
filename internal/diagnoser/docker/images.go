package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/HyphaGroup/diagd/internal/config"
	"github.com/HyphaGroup/diagd/internal/logger"
)

// ImageAPI is the subset of the Docker client used to prepare images.
type ImageAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// Images returns the distinct collector and analyzer images in cfg.
func Images(cfg map[string]config.DiagnoserConfig) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ref string) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	for _, dc := range cfg {
		add(dc.Collector.Image)
		if dc.Analyzer != nil {
			add(dc.Analyzer.Image)
		}
	}
	sort.Strings(out)
	return out
}

// EnsureImages pulls every image that is not present locally. With
// DIAGD_DEV=1 a missing image is an error instead.
func EnsureImages(ctx context.Context, api ImageAPI, images []string) error {
	for _, ref := range images {
		if err := ensureImage(ctx, api, ref); err != nil {
			return err
		}
	}
	return nil
}

func ensureImage(ctx context.Context, api ImageAPI, ref string) error {
	_, err := api.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to check image %s: %w", ref, err)
	}

	if os.Getenv("DIAGD_DEV") == "1" {
		return fmt.Errorf("image %s not found locally (dev mode)", ref)
	}

	logger.Printf("📦 Pulling image %s...", ref)
	if err := pull(ctx, api, ref); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func pull(ctx context.Context, api ImageAPI, ref string) error {
	reader, err := api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	type pullProgress struct {
		Status string `json:"status"`
		ID     string `json:"id"`
		Error  string `json:"error"`
	}

	decoder := json.NewDecoder(reader)
	for {
		var msg pullProgress
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode pull output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("pull error: %s", msg.Error)
		}
		if msg.ID != "" {
			logger.DebugContext(ctx, "image pull progress", "image", ref, "layer", msg.ID, "status", msg.Status)
		}
	}
}
