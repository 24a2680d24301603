package obsws

import (
	"context"
	"os"
	"testing"

	"github.com/andreykaipov/goobs/api/typedefs"
	"github.com/google/go-cmp/cmp"
)

func TestSceneNamesTopFirst(t *testing.T) {
	list := []*typedefs.Scene{
		{SceneIndex: 0, SceneName: "Outro"},
		nil,
		{SceneIndex: 2, SceneName: "Intro"},
		{SceneIndex: 1, SceneName: "Gameplay"},
	}
	if diff := cmp.Diff([]string{"Intro", "Gameplay", "Outro"}, sceneNames(list)); diff != "" {
		t.Errorf("sceneNames (-want +got):\n%s", diff)
	}
}

func TestCanceledContextSkipsDial(t *testing.T) {
	c := New("127.0.0.1:1", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.ListScenes(ctx); err == nil {
		t.Fatal("expected context error")
	}
	if c.client != nil {
		t.Fatal("dialed despite canceled context")
	}
}

func TestUnreachableOBS(t *testing.T) {
	c := New("127.0.0.1:1", "")
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
}

// Runs against a live OBS when OBS_TEST_ADDR is set.
func TestLiveOBS(t *testing.T) {
	addr := os.Getenv("OBS_TEST_ADDR")
	if addr == "" {
		t.Skip("OBS_TEST_ADDR not set")
	}
	c := New(addr, os.Getenv("OBS_TEST_PASSWORD"))
	defer c.Close()
	ctx := context.Background()
	names, err := c.ListScenes(ctx)
	if err != nil || len(names) == 0 {
		t.Fatalf("ListScenes() = %v, %v", names, err)
	}
	cur, err := c.CurrentScene(ctx)
	if err != nil {
		t.Fatalf("CurrentScene() = %v", err)
	}
	if err := c.SetCurrentScene(ctx, cur); err != nil {
		t.Fatalf("SetCurrentScene(%q) = %v", cur, err)
	}
}
