package recovery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-recovery/message"
	"github.com/x-research-team/dtx-recovery/recovery"
)

func TestRecoveringPublisher_Success(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec, err := recovery.NewRecorder(dir)
	require.NoError(t, err)

	b := newLocalBroker(t)
	p := recovery.NewRecoveringPublisher(b, rec)

	require.NoError(t, p.Publish(context.Background(), message.New("q", []byte("ok"))))
	assert.Equal(t, 1, b.Depth("q"))
	assert.Empty(t, recoveryFiles(t, dir))
}

func TestRecoveringPublisher_RecordsFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec, err := recovery.NewRecorder(dir)
	require.NoError(t, err)

	publishErr := errors.New("broker unavailable")
	p := recovery.NewRecoveringPublisher(&fakePublisher{reject: rejectAll(publishErr)}, rec)

	err = p.Publish(context.Background(), message.New("demo.queue", []byte(`{"orderId":"ORD-001"}`),
		message.WithCorrelationID("order-001")))
	require.Error(t, err)
	assert.ErrorIs(t, err, publishErr)

	var recorded *recovery.RecordedError
	require.ErrorAs(t, err, &recorded)
	assert.Equal(t, "demo.queue", recorded.Record.Queue)

	content, err := os.ReadFile(filepath.Join(dir, recorded.Record.ContentFile))
	require.NoError(t, err)
	assert.Equal(t, `{"orderId":"ORD-001"}`, string(content))
}

func TestRecoveringPublisher_PersistenceFailure(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	rec, err := recovery.NewRecorder(filepath.Join(blocker, "failed"))
	require.NoError(t, err)

	publishErr := errors.New("broker unavailable")
	p := recovery.NewRecoveringPublisher(&fakePublisher{reject: rejectAll(publishErr)}, rec)

	err = p.Publish(context.Background(), message.New("q", []byte("x")))
	assert.ErrorIs(t, err, publishErr)
	assert.ErrorIs(t, err, recovery.ErrPersistence)

	var recorded *recovery.RecordedError
	assert.False(t, errors.As(err, &recorded), "несохраненное сообщение не должно выглядеть сохраненным")
}

func TestRecoveringPublisher_PublishBatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec, err := recovery.NewRecorder(dir)
	require.NoError(t, err)

	pub := &fakePublisher{reject: func(m *message.Message) error {
		if string(m.Payload) == "bad" {
			return errors.New("rejected")
		}
		return nil
	}}
	p := recovery.NewRecoveringPublisher(pub, rec)

	batch := []*message.Message{
		message.New("q", []byte("ok-0"), message.WithCorrelationID("batch-1")),
		message.New("q", []byte("bad"), message.WithCorrelationID("batch-1")),
		message.New("q", []byte("ok-2"), message.WithCorrelationID("batch-1")),
		message.New("q", []byte("bad"), message.WithCorrelationID("batch-1")),
	}

	published, err := p.PublishBatch(context.Background(), batch)
	assert.Equal(t, 2, published)
	require.Error(t, err)

	entries, errs, err := recovery.Scan(dir)
	require.NoError(t, err)
	assert.Empty(t, errs)
	require.Len(t, entries, 2)

	var indexes []int
	for _, e := range entries {
		indexes = append(indexes, e.Record.Index)
		assert.Equal(t, "batch-1", e.Record.CorrelationID)
	}
	assert.ElementsMatch(t, []int{1, 3}, indexes, "index должен соответствовать позиции в пакете")
}

func TestRecoveringPublisher_RecordsAfterCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec, err := recovery.NewRecorder(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := &fakePublisher{reject: func(*message.Message) error {
		cancel()
		return context.Canceled
	}}
	p := recovery.NewRecoveringPublisher(inner, rec)

	err = p.Publish(ctx, message.New("q", []byte("x"), message.WithCorrelationID("sigint")))
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, recovery.ErrPersistence)
	assert.Len(t, recoveryFiles(t, dir), 2)
}
