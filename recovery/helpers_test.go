package recovery_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
)

// --- Тестовые издатели ---

// fakePublisher отклоняет сообщения, для которых reject возвращает ошибку.
type fakePublisher struct {
	mu        sync.Mutex
	reject    func(msg *message.Message) error
	published []*message.Message
}

func (p *fakePublisher) Publish(ctx context.Context, msg *message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject != nil {
		if err := p.reject(msg); err != nil {
			return err
		}
	}
	p.published = append(p.published, msg.Clone())
	return nil
}

func (p *fakePublisher) Published() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published...)
}

func rejectAll(err error) func(*message.Message) error {
	return func(*message.Message) error { return err }
}

func newLocalBroker(t *testing.T) *broker.LocalBroker {
	t.Helper()
	b := broker.NewLocalBroker()
	t.Cleanup(func() {
		require.NoError(t, b.Close(context.Background()))
	})
	return b
}

// --- Работа с файлами ---

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// recoveryFiles возвращает имена файлов .msg и .meta в каталоге.
func recoveryFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".msg") || strings.HasSuffix(e.Name(), ".meta") {
			names = append(names, e.Name())
		}
	}
	return names
}
