//go:build unix

package recovery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-recovery/recovery"
)

func TestLockDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	lock, err := recovery.LockDir(dir)
	require.NoError(t, err)

	_, err = recovery.LockDir(dir)
	assert.ErrorIs(t, err, recovery.ErrLocked, "второй захват должен завершаться ошибкой")

	require.NoError(t, lock.Release())

	again, err := recovery.LockDir(dir)
	require.NoError(t, err, "после освобождения блокировку можно захватить снова")
	require.NoError(t, again.Release())
}

func TestRetransmitter_OnePerDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	loader, err := recovery.NewLoader(&fakePublisher{})
	require.NoError(t, err)

	first := recovery.NewRetransmitter(loader, dir)
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second := recovery.NewRetransmitter(loader, dir)
	assert.ErrorIs(t, second.Start(context.Background()), recovery.ErrLocked)
}
