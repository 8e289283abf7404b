package pty

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/types"
)

func TestOpen_LocalSessionProducesOutput(t *testing.T) {
	bus := eventbus.New()
	var opened, output bool
	bus.Subscribe("tty.opened", func(e types.Event) { opened = true })
	bus.Subscribe("tty.output", func(e types.Event) { output = true })

	m := New(bus, nil)
	sess, err := m.Open(context.Background(), 1, "", "", 80, 24)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.PID)
	assert.False(t, sess.Containerized)
	assert.True(t, opened)
	defer m.Close(sess.TTYID)

	require.NoError(t, m.Write(sess.TTYID, []byte("echo hi\n")))
	assert.Eventually(t, func() bool { return output }, 2*time.Second, 50*time.Millisecond)
}

func TestExec_ReturnsOutputBeforeMarker(t *testing.T) {
	m := New(eventbus.New(), nil)
	sess, err := m.Open(context.Background(), 2, "", "", 80, 24)
	require.NoError(t, err)
	defer m.Close(sess.TTYID)

	out, err := m.Exec(sess.TTYID, "echo hello-from-exec")
	require.NoError(t, err)
	assert.Contains(t, out, "hello-from-exec")
}

func TestGetByPid_ReturnsOpenSession(t *testing.T) {
	m := New(eventbus.New(), nil)
	sess, err := m.Open(context.Background(), 3, "", "", 80, 24)
	require.NoError(t, err)
	defer m.Close(sess.TTYID)

	got, err := m.GetByPid(3)
	require.NoError(t, err)
	assert.Equal(t, sess.TTYID, got.TTYID)
}

func TestGetByPid_NotFoundAfterClose(t *testing.T) {
	m := New(eventbus.New(), nil)
	sess, err := m.Open(context.Background(), 4, "", "", 80, 24)
	require.NoError(t, err)
	require.NoError(t, m.Close(sess.TTYID))

	_, err = m.GetByPid(4)
	require.Error(t, err)
}

func TestOpen_ContainerizedWithoutManagerFails(t *testing.T) {
	m := New(eventbus.New(), nil)
	_, err := m.Open(context.Background(), 5, "some-container", "", 80, 24)
	require.Error(t, err)
}
