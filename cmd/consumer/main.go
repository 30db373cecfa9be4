package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"clinic-inventory-ledger/shared/config"
	"clinic-inventory-ledger/shared/events"
	"clinic-inventory-ledger/shared/influxx"
	"clinic-inventory-ledger/shared/logx"
	"clinic-inventory-ledger/shared/metricsx"
	"clinic-inventory-ledger/shared/mqx"
	"clinic-inventory-ledger/shared/observability"
)

// The consumer turns the ledger event stream into operational signals: an
// Influx point per event for inventory dashboards, and a low-stock alert on
// ledger.alerts when a vial's remaining quantity crosses the configured
// threshold.
func main() {
	cfg, problems := config.Load("ledger-events-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	var threshold decimal.Decimal
	if cfg.LowStockThreshold != "" {
		var err error
		threshold, err = decimal.NewFromString(cfg.LowStockThreshold)
		if err != nil {
			problems = append(problems, config.Problem{Field: "LOW_STOCK_THRESHOLD", Message: "must be a decimal number"})
		}
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		var err error
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Error(context.Background(), "influx_init_failed", "influx init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		defer influx.Close()
	}

	reader, err := mqx.NewConsumer(cfg, events.TopicLedgerEvents, cfg.KafkaGroupID)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer reader.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	consumer := &ledgerConsumer{
		influx:    influx,
		producer:  producer,
		threshold: threshold,
		logger:    logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "ledger events consumer started",
		slog.String("topic", events.TopicLedgerEvents),
		slog.String("group", cfg.KafkaGroupID),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", events.TopicLedgerEvents),
		)
		if err := consumer.handle(spanCtx, msg.Value); err != nil {
			span.End()
			logger.Error(ctx, "event_handle_failed", "failed to handle event",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			continue
		}
		span.End()
		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}

	logger.Info(context.Background(), "consumer_stop", "ledger events consumer stopped")
}

type ledgerConsumer struct {
	influx    *influxx.Client
	producer  *mqx.Producer
	threshold decimal.Decimal
	logger    logx.Logger
}

// eventBody mirrors the payload the ledger repo stages in the outbox.
type eventBody struct {
	Remaining string `json:"remaining_quantity"`
	Status    string `json:"status"`
}

type lowStockAlert struct {
	ClinicID   uuid.UUID `json:"clinic_id"`
	VialID     uuid.UUID `json:"vial_id"`
	Remaining  string    `json:"remaining_quantity"`
	Threshold  string    `json:"threshold"`
	EventID    uuid.UUID `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (c *ledgerConsumer) handle(ctx context.Context, payload []byte) error {
	var envelope events.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return err
	}
	if envelope.EventID == uuid.Nil || envelope.ClinicID == uuid.Nil || envelope.AggregateID == uuid.Nil {
		return errors.New("missing event_id/clinic_id/aggregate_id")
	}
	var body eventBody
	if err := json.Unmarshal(envelope.Payload, &body); err != nil {
		return err
	}
	remaining, err := decimal.NewFromString(body.Remaining)
	if err != nil {
		return err
	}

	if c.influx != nil {
		rf, _ := remaining.Float64()
		err := c.influx.WritePoint(ctx, "vial_inventory",
			map[string]string{
				"clinic_id":  envelope.ClinicID.String(),
				"vial_id":    envelope.AggregateID.String(),
				"event_type": envelope.EventType,
				"status":     body.Status,
			},
			map[string]any{
				"remaining": rf,
			},
			envelope.OccurredAt,
		)
		if err != nil {
			metricsx.IncInfluxWriteFailure()
			c.logger.Warn(ctx, "influx_write_failed", "influx write failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.threshold.IsPositive() && body.Status == "active" && remaining.LessThanOrEqual(c.threshold) {
		alert, err := json.Marshal(lowStockAlert{
			ClinicID:   envelope.ClinicID,
			VialID:     envelope.AggregateID,
			Remaining:  remaining.String(),
			Threshold:  c.threshold.String(),
			EventID:    envelope.EventID,
			OccurredAt: envelope.OccurredAt,
		})
		if err != nil {
			return err
		}
		headers := map[string]string{
			"event_id":  envelope.EventID.String(),
			"clinic_id": envelope.ClinicID.String(),
		}
		if err := c.producer.Publish(ctx, events.TopicLedgerAlerts, []byte(envelope.AggregateID.String()), alert, headers); err != nil {
			return err
		}
		c.logger.Info(ctx, "low_stock_alert", "low stock alert published",
			slog.String("vial_id", envelope.AggregateID.String()),
			slog.String("remaining", remaining.String()),
		)
	}
	return nil
}
