package testutil

import (
	"context"
	"errors"
	"sync"
)

// FakeScenes is an in-memory scene controller that records every switch.
type FakeScenes struct {
	mu       sync.Mutex
	names    []string
	current  string
	switches []string

	// ListErr, if set, is returned by ListScenes.
	ListErr error
	// CurrentErr, if set, is returned by CurrentScene.
	CurrentErr error
}

// NewFakeScenes returns a controller with the given scenes, the first active.
func NewFakeScenes(names ...string) *FakeScenes {
	f := &FakeScenes{names: append([]string{}, names...)}
	if len(names) > 0 {
		f.current = names[0]
	}
	return f
}

func (f *FakeScenes) ListScenes(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return append([]string{}, f.names...), nil
}

func (f *FakeScenes) CurrentScene(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CurrentErr != nil {
		return "", f.CurrentErr
	}
	return f.current, nil
}

func (f *FakeScenes) SetCurrentScene(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.names {
		if n == name {
			f.current = name
			f.switches = append(f.switches, name)
			return nil
		}
	}
	return errors.New("no such scene")
}

// SetCurrent changes the active scene without recording a switch, as if the
// operator clicked it in OBS.
func (f *FakeScenes) SetCurrent(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = name
}

// Current returns the active scene.
func (f *FakeScenes) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Switches returns every scene passed to SetCurrentScene, in order.
func (f *FakeScenes) Switches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.switches...)
}
