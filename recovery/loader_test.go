package recovery_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/x-research-team/dtx-recovery/message"
	"github.com/x-research-team/dtx-recovery/recovery"
)

func TestLoader_Retry_Scenario(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.msg", `{"orderId":"ORD-001"}`)
	writeFile(t, dir, "a.meta", `{"queue":"demo.queue","correlationId":"order-001","index":1,"contentFile":"a.msg"}`)

	b := newLocalBroker(t)
	loader, err := recovery.NewLoader(b)
	require.NoError(t, err)

	report, err := loader.Retry(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Succeeded)
	assert.NoError(t, report.Err())

	assert.NoFileExists(t, filepath.Join(dir, "a.msg"))
	assert.NoFileExists(t, filepath.Join(dir, "a.meta"))

	msgs := b.Browse("demo.queue")
	require.Len(t, msgs, 1)
	assert.Equal(t, "order-001", msgs[0].CorrelationID)
	assert.Equal(t, `{"orderId":"ORD-001"}`, string(msgs[0].Payload))
	assert.Equal(t, "a.meta", msgs[0].Metadata[recovery.MetadataSource])
}

func TestLoader_Retry_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	r, err := recovery.NewRecorder(dir)
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte(`{"orderId":"ORD-001"}`),
		{0x00, 0x01, 0xfe, 0xff},
		bytes.Repeat([]byte("x"), 64*1024),
		{},
	}
	for i, p := range payloads {
		_, err := r.Record(context.Background(), recovery.Failure{
			Payload:       p,
			Queue:         "orders",
			CorrelationID: fmt.Sprintf("order-%d", i),
			Index:         i,
			Err:           errors.New("timeout"),
		})
		require.NoError(t, err)
	}

	pub := &fakePublisher{}
	loader, err := recovery.NewLoader(pub)
	require.NoError(t, err)

	report, err := loader.Retry(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, len(payloads), report.Succeeded)
	assert.Empty(t, recoveryFiles(t, dir), "после успешного прохода не должно оставаться пар")

	published := pub.Published()
	require.Len(t, published, len(payloads))
	byCorrelation := make(map[string][]byte)
	for _, m := range published {
		assert.Equal(t, "orders", m.Queue)
		byCorrelation[m.CorrelationID] = m.Payload
	}
	for i, p := range payloads {
		assert.True(t, bytes.Equal(p, byCorrelation[fmt.Sprintf("order-%d", i)]),
			"содержимое %d должно совпадать побайтно", i)
	}
}

func TestLoader_Retry_SameCorrelationIDIndependent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "t_order-7_0.msg", "first")
	writeFile(t, dir, "t_order-7_0.meta", `{"queue":"q","correlationId":"order-7","index":0,"contentFile":"t_order-7_0.msg"}`)
	writeFile(t, dir, "t_order-7_1.msg", "second")
	writeFile(t, dir, "t_order-7_1.meta", `{"queue":"q","correlationId":"order-7","index":1,"contentFile":"t_order-7_1.msg"}`)

	pub := &fakePublisher{reject: func(m *message.Message) error {
		if string(m.Payload) == "second" {
			return errors.New("rejected")
		}
		return nil
	}}
	loader, err := recovery.NewLoader(pub)
	require.NoError(t, err)

	report, err := loader.Retry(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)

	assert.NoFileExists(t, filepath.Join(dir, "t_order-7_0.msg"))
	assert.NoFileExists(t, filepath.Join(dir, "t_order-7_0.meta"))
	assert.FileExists(t, filepath.Join(dir, "t_order-7_1.msg"), "неудачная запись не должна удаляться")
	assert.FileExists(t, filepath.Join(dir, "t_order-7_1.meta"))

	pub.reject = nil
	report, err = loader.Retry(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, recoveryFiles(t, dir))
	assert.Len(t, pub.Published(), 2)
}

func TestLoader_Retry_SkipsMalformedAndContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "bad.meta", `not json`)
	writeFile(t, dir, "orphan.meta", `{"queue":"q","index":0,"contentFile":"gone.msg"}`)
	writeFile(t, dir, "nocontent.meta", `{"queue":"q","index":0}`)
	writeFile(t, dir, "good.msg", "ok")
	writeFile(t, dir, "good.meta", `{"queue":"q","index":0,"contentFile":"good.msg"}`)

	pub := &fakePublisher{}
	loader, err := recovery.NewLoader(pub)
	require.NoError(t, err)

	report, err := loader.Retry(context.Background(), dir)
	require.NoError(t, err, "некорректные записи не должны прерывать проход")

	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 3, report.Skipped)
	require.Len(t, report.Errors, 3)
	assert.ErrorIs(t, report.Err(), recovery.ErrMalformedRecord)
	assert.ErrorIs(t, report.Err(), recovery.ErrOrphanedMetadata)
	assert.ErrorIs(t, report.Err(), recovery.ErrMissingContentFile)

	assert.NoFileExists(t, filepath.Join(dir, "good.meta"))
	assert.FileExists(t, filepath.Join(dir, "bad.meta"), "некорректные записи остаются на месте")
	assert.Len(t, pub.Published(), 1)
}

func TestLoader_Retry_RepeatedFailure(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) (string, string) {
		t.Helper()
		base := t.TempDir()
		retryDir := filepath.Join(base, "retry")
		require.NoError(t, os.Mkdir(retryDir, 0o755))
		writeFile(t, retryDir, "a.msg", "payload")
		writeFile(t, retryDir, "a.meta", `{"queue":"q","correlationId":"c-1","index":4,"contentFile":"a.msg"}`)
		return retryDir, filepath.Join(base, "failed-again")
	}

	publishErr := errors.New("still down")

	t.Run("без каталога повторных сбоев пара остается", func(t *testing.T) {
		t.Parallel()
		retryDir, _ := setup(t)

		loader, err := recovery.NewLoader(&fakePublisher{reject: rejectAll(publishErr)})
		require.NoError(t, err)

		report, err := loader.Retry(context.Background(), retryDir)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Zero(t, report.Rerecorded)
		assert.ElementsMatch(t, []string{"a.msg", "a.meta"}, recoveryFiles(t, retryDir))
	})

	t.Run("KeepOriginal записывает копию и сохраняет исходную пару", func(t *testing.T) {
		t.Parallel()
		retryDir, againDir := setup(t)

		loader, err := recovery.NewLoader(&fakePublisher{reject: rejectAll(publishErr)},
			recovery.WithFailedAgainDir(againDir))
		require.NoError(t, err)

		report, err := loader.Retry(context.Background(), retryDir)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Equal(t, 1, report.Rerecorded)
		assert.ElementsMatch(t, []string{"a.msg", "a.meta"}, recoveryFiles(t, retryDir))

		entries, errs, err := recovery.Scan(againDir)
		require.NoError(t, err)
		assert.Empty(t, errs)
		require.Len(t, entries, 1)
		assert.Equal(t, "q", entries[0].Record.Queue)
		assert.Equal(t, "c-1", entries[0].Record.CorrelationID)
		assert.Equal(t, 4, entries[0].Record.Index)
		assert.Equal(t, "still down", entries[0].Record.Error)

		content, err := os.ReadFile(entries[0].ContentPath)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(content))
	})

	t.Run("RemoveOriginal переносит пару", func(t *testing.T) {
		t.Parallel()
		retryDir, againDir := setup(t)

		loader, err := recovery.NewLoader(&fakePublisher{reject: rejectAll(publishErr)},
			recovery.WithFailedAgainDir(againDir),
			recovery.WithRepeatPolicy(recovery.RemoveOriginal))
		require.NoError(t, err)

		report, err := loader.Retry(context.Background(), retryDir)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Rerecorded)
		assert.Empty(t, recoveryFiles(t, retryDir))
		assert.Len(t, recoveryFiles(t, againDir), 2)
	})

	t.Run("RemoveOriginal сохраняет пару, если копию записать не удалось", func(t *testing.T) {
		t.Parallel()
		retryDir, againDir := setup(t)
		require.NoError(t, os.WriteFile(againDir, []byte("file, not dir"), 0o644))

		loader, err := recovery.NewLoader(&fakePublisher{reject: rejectAll(publishErr)},
			recovery.WithFailedAgainDir(filepath.Join(againDir, "sub")),
			recovery.WithRepeatPolicy(recovery.RemoveOriginal))
		require.NoError(t, err)

		report, err := loader.Retry(context.Background(), retryDir)
		require.NoError(t, err)
		assert.Zero(t, report.Rerecorded)
		require.Len(t, report.Errors, 1)
		assert.ErrorIs(t, report.Errors[0], recovery.ErrPersistence)
		assert.ErrorIs(t, report.Errors[0], publishErr)
		assert.ElementsMatch(t, []string{"a.msg", "a.meta"}, recoveryFiles(t, retryDir))
	})
}

func TestLoader_Retry_SameDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	loader, err := recovery.NewLoader(&fakePublisher{}, recovery.WithFailedAgainDir(dir))
	require.NoError(t, err)

	_, err = loader.Retry(context.Background(), dir)
	assert.ErrorIs(t, err, recovery.ErrSameDirectory)
}

func TestLoader_Retry_ContextCanceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.msg", "a")
	writeFile(t, dir, "a.meta", `{"queue":"q","index":0,"contentFile":"a.msg"}`)

	loader, err := recovery.NewLoader(&fakePublisher{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = loader.Retry(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, recoveryFiles(t, dir), 2)
}

func TestLoader_Retry_Metrics(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.msg", "a")
	writeFile(t, dir, "a.meta", `{"timestamp":"2025-10-11T10:00:00Z","queue":"q","index":0,"contentFile":"a.msg"}`)
	writeFile(t, dir, "b.meta", `{"queue":"q","index":0}`)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	loader, err := recovery.NewLoader(&fakePublisher{}, recovery.WithMeterProvider(mp))
	require.NoError(t, err)

	_, err = loader.Retry(context.Background(), dir)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byStatus := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "recovery.retry.count" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				status, _ := dp.Attributes.Value("status")
				byStatus[status.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"success": 1, "skipped": 1}, byStatus)
}

func TestNewLoader_NilPublisher(t *testing.T) {
	t.Parallel()

	_, err := recovery.NewLoader(nil)
	require.Error(t, err)
}

func TestParseRepeatPolicy(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]recovery.RepeatPolicy{
		"":        recovery.KeepOriginal,
		"keep":    recovery.KeepOriginal,
		" Remove": recovery.RemoveOriginal,
	} {
		got, err := recovery.ParseRepeatPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.NotEqual(t, "unknown", got.String())
	}

	_, err := recovery.ParseRepeatPolicy("archive")
	require.Error(t, err)
}
