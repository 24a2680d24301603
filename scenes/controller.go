// Package scenes drives the host's active scene: a name-based switch helper
// and the transition engine that switches on a redemption and reverts later.
package scenes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrSceneNotFound is returned when no scene has the requested name.
var ErrSceneNotFound = errors.New("scene not found")

// Controller is the host scene-control surface (OBS).
type Controller interface {
	// ListScenes returns scene names in host order.
	ListScenes(ctx context.Context) ([]string, error)
	// CurrentScene returns the active (program) scene name.
	CurrentScene(ctx context.Context) (string, error)
	// SetCurrentScene makes name the active scene.
	SetCurrentScene(ctx context.Context, name string) error
}

// SwitchScene activates the scene whose name equals name exactly. Unknown
// names return ErrSceneNotFound without touching the host.
func SwitchScene(ctx context.Context, ctrl Controller, name string) error {
	names, err := ctrl.ListScenes(ctx)
	if err != nil {
		return fmt.Errorf("list scenes: %w", err)
	}
	for _, n := range names {
		if n != name {
			continue
		}
		if err := ctrl.SetCurrentScene(ctx, n); err != nil {
			return fmt.Errorf("set current scene %q: %w", n, err)
		}
		slog.Info("scene switched", slog.String("component", "scenes"), slog.String("scene", n))
		return nil
	}
	return fmt.Errorf("%q: %w", name, ErrSceneNotFound)
}
