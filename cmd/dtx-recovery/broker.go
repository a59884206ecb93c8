package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/x-research-team/dtx-recovery/broker"
	"github.com/x-research-team/dtx-recovery/broker/postgres"
	"github.com/x-research-team/dtx-recovery/config"
)

// openBroker создает брокер по конфигурации и оборачивает его логированием.
func openBroker(ctx context.Context, cfg config.Config, logger *slog.Logger) (broker.Broker, error) {
	var b broker.Broker
	switch cfg.Broker.Driver {
	case config.DriverMemory:
		b = broker.NewLocalBroker(broker.WithLogger(logger))
	case config.DriverPostgres:
		pg, err := postgres.Connect(ctx, cfg.Broker.DSN)
		if err != nil {
			return nil, err
		}
		b = pg
	default:
		return nil, fmt.Errorf("неизвестный драйвер брокера %q", cfg.Broker.Driver)
	}

	logger.Debug("брокер подключен", slog.String("driver", cfg.Broker.Driver))
	return broker.Instrument(b, broker.WithLogger(logger)), nil
}

func closeBroker(b broker.Broker, logger *slog.Logger) {
	if err := b.Close(context.Background()); err != nil {
		logger.Error("не удалось закрыть брокер", slog.Any("error", err))
	}
}
