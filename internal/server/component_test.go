package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

type fakeComponent struct {
	name     string
	log      *[]string
	startErr error
}

func (c *fakeComponent) Name() string { return c.name }

func (c *fakeComponent) Install(*Server) error {
	*c.log = append(*c.log, "install:"+c.name)
	return nil
}

func (c *fakeComponent) Start(context.Context) error {
	*c.log = append(*c.log, "start:"+c.name)
	return c.startErr
}

func (c *fakeComponent) Stop(context.Context) error {
	*c.log = append(*c.log, "stop:"+c.name)
	return nil
}

func (c *fakeComponent) Uninstall(*Server) error {
	*c.log = append(*c.log, "uninstall:"+c.name)
	return nil
}

func TestComponentsDefaultFlavor(t *testing.T) {
	var calls []string
	srv := New(Options{})
	require.NoError(t, srv.Register(&fakeComponent{name: "lobby", log: &calls}))
	require.NoError(t, srv.Register(&fakeComponent{name: "match", log: &calls}))
	assert.ErrorIs(t, srv.Register(&fakeComponent{name: "lobby", log: &calls}), merr.ErrComponentAlreadyExists)
	assert.ErrorIs(t, srv.Register(&fakeComponent{log: &calls}), merr.ErrParameterInvalid)
	assert.Equal(t, []string{"lobby", "match"}, srv.Components().Names())

	require.NoError(t, srv.Start(context.Background(), DefaultFlavor))
	state, ok := srv.Components().State("match")
	assert.True(t, ok)
	assert.Equal(t, ComponentStarted, state)

	require.NoError(t, srv.Stop(context.Background()))
	assert.Equal(t, []string{
		"install:lobby", "start:lobby", "install:match", "start:match",
		"stop:match", "uninstall:match", "stop:lobby", "uninstall:lobby",
	}, calls)

	state, _ = srv.Components().State("lobby")
	assert.Equal(t, ComponentUninstalled, state)
}

func TestComponentsNamedFlavor(t *testing.T) {
	var calls []string
	srv := New(Options{})
	require.NoError(t, srv.Register(&fakeComponent{name: "lobby", log: &calls}))
	require.NoError(t, srv.Register(&fakeComponent{name: "match", log: &calls}))

	assert.ErrorIs(t, srv.Start(context.Background(), "battle"), merr.ErrComponentNotFound)

	require.NoError(t, srv.Start(context.Background(), "match"))
	state, _ := srv.Components().State("lobby")
	assert.Equal(t, ComponentNone, state)

	require.NoError(t, srv.Stop(context.Background()))
	assert.Equal(t, []string{"install:match", "start:match", "stop:match", "uninstall:match"}, calls)

	_, ok := srv.Components().State("battle")
	assert.False(t, ok)
}

func TestComponentsStartFailureRollsBack(t *testing.T) {
	var calls []string
	srv := New(Options{})
	require.NoError(t, srv.Register(&fakeComponent{name: "lobby", log: &calls}))
	require.NoError(t, srv.Register(&fakeComponent{name: "match", log: &calls, startErr: assert.AnError}))

	assert.ErrorIs(t, srv.Start(context.Background(), ""), assert.AnError)
	assert.Equal(t, []string{
		"install:lobby", "start:lobby", "install:match", "start:match",
		"uninstall:match", "stop:lobby", "uninstall:lobby",
	}, calls)
	assert.Equal(t, "uninstalled", ComponentUninstalled.String())
}
