package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
)

// Querier выполняет запись сообщения в таблицу очереди. Ему удовлетворяют
// *pgxpool.Pool, *pgx.Conn и pgx.Tx, поэтому сообщение можно поставить в
// очередь в той же транзакции, что и изменения бизнес-данных.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
