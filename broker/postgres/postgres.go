// Package postgres реализует брокер очередей поверх таблицы PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/message"
)

const (
	// SQL-запрос для создания таблицы очередей.
	// Индекс по очереди и времени создания для быстрой выборки в порядке FIFO.
	createTableQuery = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id UUID PRIMARY KEY,
    queue VARCHAR(255) NOT NULL,
    correlation_id VARCHAR(255),
    payload BYTEA NOT NULL,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_queue_created_at ON queue_messages (queue, created_at);
`

	insertMessageQuery = `
INSERT INTO queue_messages (id, queue, correlation_id, payload, metadata, created_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6);
`

	// SQL-запрос для извлечения сообщений.
	// FOR UPDATE SKIP LOCKED позволяет нескольким потребителям работать параллельно,
	// не блокируя друг друга и не выбирая одни и те же сообщения.
	receiveMessagesQuery = `
DELETE FROM queue_messages
WHERE id IN (
    SELECT id FROM queue_messages
    WHERE queue = $1
    ORDER BY created_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING id, queue, COALESCE(correlation_id, ''), payload, metadata, created_at;
`

	depthQuery = `SELECT count(*) FROM queue_messages WHERE queue = $1;`
)

// PostgresBroker представляет собой реализацию broker.Broker для PostgreSQL.
type PostgresBroker struct {
	pool *pgxpool.Pool
}

var _ broker.Broker = (*PostgresBroker)(nil)

// NewPostgresBroker создает новый экземпляр PostgresBroker.
// Он также выполняет миграцию, создавая необходимую таблицу, если она не существует.
func NewPostgresBroker(ctx context.Context, pool *pgxpool.Pool) (*PostgresBroker, error) {
	if _, err := pool.Exec(ctx, createTableQuery); err != nil {
		return nil, fmt.Errorf("не удалось создать таблицу queue_messages: %w", err)
	}
	return &PostgresBroker{pool: pool}, nil
}

// Connect создает пул соединений по строке подключения и брокер поверх него.
func Connect(ctx context.Context, dsn string) (*PostgresBroker, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("не удалось подключиться к PostgreSQL: %w", err)
	}
	b, err := NewPostgresBroker(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Publish сохраняет сообщение в очереди, используя пул соединений.
func (b *PostgresBroker) Publish(ctx context.Context, msg *message.Message) error {
	return b.PublishWith(ctx, b.pool, msg)
}

// PublishWith сохраняет сообщение, используя предоставленный Querier (транзакцию или пул).
func (b *PostgresBroker) PublishWith(ctx context.Context, q Querier, msg *message.Message) error {
	if msg == nil || msg.Queue == "" {
		return broker.ErrInvalidMessage
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("не удалось сериализовать метаданные: %w", err)
	}

	_, err = q.Exec(ctx, insertMessageQuery,
		msg.ID,
		msg.Queue,
		msg.CorrelationID,
		msg.Payload,
		metadata,
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("не удалось сохранить сообщение в очереди %s: %w", msg.Queue, err)
	}

	return nil
}

// Receive извлекает и удаляет не более limit сообщений из очереди.
func (b *PostgresBroker) Receive(ctx context.Context, queue string, limit int) ([]*message.Message, error) {
	if limit <= 0 {
		return nil, broker.ErrInvalidLimit
	}

	rows, err := b.pool.Query(ctx, receiveMessagesQuery, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("не удалось извлечь сообщения из очереди %s: %w", queue, err)
	}

	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("ошибка при итерации по сообщениям: %w", err)
	}

	// RETURNING не гарантирует порядок, восстанавливаем FIFO.
	sortByCreatedAt(messages)
	return messages, nil
}

// Depth возвращает количество сообщений в очереди.
func (b *PostgresBroker) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := b.pool.QueryRow(ctx, depthQuery, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("не удалось получить глубину очереди %s: %w", queue, err)
	}
	return n, nil
}

// Close закрывает пул соединений.
func (b *PostgresBroker) Close(ctx context.Context) error {
	b.pool.Close()
	return nil
}

func scanMessage(row pgx.CollectableRow) (*message.Message, error) {
	var msg message.Message
	var metadata []byte
	if err := row.Scan(
		&msg.ID,
		&msg.Queue,
		&msg.CorrelationID,
		&msg.Payload,
		&metadata,
		&msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("не удалось сканировать сообщение: %w", err)
	}
	msg.Metadata = make(map[string]string)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("не удалось десериализовать метаданные: %w", err)
		}
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string)
		}
	}
	return &msg, nil
}

func sortByCreatedAt(msgs []*message.Message) {
	slices.SortStableFunc(msgs, func(a, b *message.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
