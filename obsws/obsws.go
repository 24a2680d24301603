// Package obsws implements scenes.Controller over obs-websocket v5.
package obsws

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/andreykaipov/goobs"
	obsscenes "github.com/andreykaipov/goobs/api/requests/scenes"
	"github.com/andreykaipov/goobs/api/typedefs"
)

// Controller talks to OBS. The connection is opened lazily and dropped after
// any failed request so the next call redials; OBS may start after us.
type Controller struct {
	addr     string
	password string

	mu     sync.Mutex
	client *goobs.Client
}

// New returns a controller for the obs-websocket server at addr (host:port).
func New(addr, password string) *Controller {
	return &Controller{addr: addr, password: password}
}

func (c *Controller) conn() (*goobs.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	var opts []goobs.Option
	if c.password != "" {
		opts = append(opts, goobs.WithPassword(c.password))
	}
	client, err := goobs.New(c.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect obs %s: %w", c.addr, err)
	}
	slog.Info("obs connected", slog.String("component", "obsws"), slog.String("addr", c.addr))
	c.client = client
	return client, nil
}

// drop discards client if it is still the current connection.
func (c *Controller) drop(client *goobs.Client, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != client {
		return
	}
	slog.Warn("obs request failed; reconnecting on next call", slog.String("component", "obsws"), slog.Any("err", err))
	_ = client.Disconnect()
	c.client = nil
}

// do runs fn on a live connection. ctx is checked before dialing; goobs
// requests themselves are bounded by the client's own response timeout.
func (c *Controller) do(ctx context.Context, fn func(*goobs.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := c.conn()
	if err != nil {
		return err
	}
	if err := fn(client); err != nil {
		c.drop(client, err)
		return err
	}
	return nil
}

// ListScenes returns scene names in the order OBS shows them (top first).
func (c *Controller) ListScenes(ctx context.Context) ([]string, error) {
	var names []string
	err := c.do(ctx, func(client *goobs.Client) error {
		resp, err := client.Scenes.GetSceneList()
		if err != nil {
			return fmt.Errorf("get scene list: %w", err)
		}
		names = sceneNames(resp.Scenes)
		return nil
	})
	return names, err
}

// CurrentScene returns the program scene name.
func (c *Controller) CurrentScene(ctx context.Context) (string, error) {
	var name string
	err := c.do(ctx, func(client *goobs.Client) error {
		resp, err := client.Scenes.GetCurrentProgramScene()
		if err != nil {
			return fmt.Errorf("get current program scene: %w", err)
		}
		name = resp.CurrentProgramSceneName
		return nil
	})
	return name, err
}

// SetCurrentScene makes name the program scene.
func (c *Controller) SetCurrentScene(ctx context.Context, name string) error {
	return c.do(ctx, func(client *goobs.Client) error {
		_, err := client.Scenes.SetCurrentProgramScene(obsscenes.NewSetCurrentProgramSceneParams().WithSceneName(name))
		if err != nil {
			return fmt.Errorf("set current program scene %q: %w", name, err)
		}
		return nil
	})
}

// Ping checks that OBS answers a version request.
func (c *Controller) Ping(ctx context.Context) error {
	return c.do(ctx, func(client *goobs.Client) error {
		if _, err := client.General.GetVersion(); err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		return nil
	})
}

// Close disconnects from OBS.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Disconnect()
	c.client = nil
	return err
}

// sceneNames orders scenes by descending index; OBS reports the bottom scene
// of its list as index 0.
func sceneNames(list []*typedefs.Scene) []string {
	sorted := make([]*typedefs.Scene, 0, len(list))
	for _, s := range list {
		if s != nil {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SceneIndex > sorted[j].SceneIndex })
	names := make([]string, len(sorted))
	for i, s := range sorted {
		names[i] = s.SceneName
	}
	return names
}
