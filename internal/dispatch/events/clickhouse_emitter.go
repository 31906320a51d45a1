package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/scrapehive/dispatcher/internal/common/configtypes"
)

// eventBufferSize bounds the in-flight event queue; events past it are
// dropped rather than blocking the dispatch path.
const eventBufferSize = 4096

// insertTimeout bounds a single batch insert.
const insertTimeout = 10 * time.Second

// inserter abstracts the ClickHouse connection so tests can capture
// batches without a server.
type inserter interface {
	insert(ctx context.Context, events []*ScrapeEvent) error
	close() error
}

// ClickHouseEmitter batches events and inserts them asynchronously.
// Insert failures drop the batch; event logging never fails a scrape.
type ClickHouseEmitter struct {
	events        chan *ScrapeEvent
	conn          inserter
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
	done          chan struct{}
	stopped       chan struct{}
}

// NewClickHouseEmitter connects to ClickHouse and starts the flush loop.
// The target table must already exist.
func NewClickHouseEmitter(config configtypes.EventClickHouseConfig, logger *zap.Logger) (*ClickHouseEmitter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Addr},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ClickHouse ping failed: %w", err)
	}

	return newClickHouseEmitter(
		&chConn{conn: conn, table: config.Table},
		config.BatchSize,
		config.FlushInterval.ToDuration(),
		logger,
	), nil
}

func newClickHouseEmitter(conn inserter, batchSize int, flushInterval time.Duration, logger *zap.Logger) *ClickHouseEmitter {
	e := &ClickHouseEmitter{
		events:        make(chan *ScrapeEvent, eventBufferSize),
		conn:          conn,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go e.run()
	return e
}

// Emit queues the event for the next batch. If the queue is full the
// event is dropped.
func (e *ClickHouseEmitter) Emit(event *ScrapeEvent) {
	select {
	case e.events <- event:
	default:
		e.logger.Warn("ClickHouse event queue full, dropping event",
			zap.String("request_id", event.RequestID))
	}
}

func (e *ClickHouseEmitter) run() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	batch := make([]*ScrapeEvent, 0, e.batchSize)
	for {
		select {
		case event := <-e.events:
			batch = append(batch, event)
			if len(batch) >= e.batchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-e.done:
			// drain whatever is queued before exiting
			for {
				select {
				case event := <-e.events:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						e.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (e *ClickHouseEmitter) flush(batch []*ScrapeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	if err := e.conn.insert(ctx, batch); err != nil {
		e.logger.Warn("ClickHouse event insert failed, batch dropped",
			zap.Int("events", len(batch)),
			zap.Error(err))
		return
	}
	e.logger.Debug("ClickHouse event batch inserted", zap.Int("events", len(batch)))
}

// Close flushes queued events and closes the connection.
func (e *ClickHouseEmitter) Close() error {
	close(e.done)
	<-e.stopped
	return e.conn.close()
}

// chConn is the real ClickHouse-backed inserter.
type chConn struct {
	conn  driver.Conn
	table string
}

func (c *chConn) insert(ctx context.Context, events []*ScrapeEvent) error {
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (timestamp, request_id, url, method, method_used, status, runner_id, proxy, attempts, response_time_ms, from_cache, error)",
		c.table))
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := batch.Append(
			ev.Timestamp,
			ev.RequestID,
			ev.URL,
			string(ev.Method),
			string(ev.MethodUsed),
			ev.Status,
			ev.RunnerID,
			ev.Proxy,
			int32(ev.Attempts),
			ev.ResponseTimeMs,
			ev.FromCache,
			ev.Error,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (c *chConn) close() error {
	return c.conn.Close()
}
