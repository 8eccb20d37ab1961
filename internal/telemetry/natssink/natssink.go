// Package natssink is an optional NATS JetStream sink for sync and
// processor progress telemetry. Neither engine depends on this
// package directly — it only subscribes to the callbacks each engine
// already exposes (syncer.ChainSyncer.OnProgress,
// processor.HandlerExecutor.OnProgress).
package natssink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/processor"
	"github.com/kyomei-indexer/kyomei/internal/syncer"
)

const (
	streamName           = "KYOMEI_PROGRESS"
	streamSubjectPattern  = "KYOMEI.PROGRESS.>"
	streamCreateTimeout   = 10 * time.Second
)

// Sink publishes progress snapshots to NATS JetStream. seq counts the
// publishes per subject; the count is not attached to the messages, and
// messages are not deduplicated.
type Sink struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	logger zerolog.Logger
	prefix string
	seq    map[string]uint64
}

// New connects to natsURL and ensures the progress stream exists.
// persistDuration bounds how long published snapshots are retained
// (progress telemetry is a lossy, latest-wins signal — a short window
// such as a few minutes is typical).
func New(natsURL string, persistDuration time.Duration, subjectPrefix string, logger zerolog.Logger) (*Sink, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("kyomei-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natssink: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natssink: jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamCreateTimeout)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{streamSubjectPattern},
		MaxAge:    persistDuration,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natssink: create stream: %w", err)
	}

	logger.Info().
		Str("stream", streamName).
		Str("subjects", streamSubjectPattern).
		Dur("max_age", persistDuration).
		Msg("natssink initialized")

	return &Sink{js: js, nc: nc, logger: logger, prefix: subjectPrefix, seq: make(map[string]uint64)}, nil
}

// publish marshals v, increments subject's publish count and publishes
// v to subject. The count is not sent with the message.
func (s *Sink) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("marshal progress snapshot")
		return
	}

	s.seq[subject]++
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		s.logger.Error().Err(err).Str("subject", subject).Msg("publish progress snapshot")
	}
}

// syncProgress flattens syncer.Progress into the published JSON shape,
// with the ETA in seconds.
type syncProgress struct {
	ChainID         int64
	BlocksProcessed uint64
	EventsStored    uint64
	ActiveWorkers   int
	PercentComplete float64
	BlocksPerSecond float64
	ETASeconds      float64
}

// SyncProgressFunc returns a callback suitable for
// syncer.ChainSyncer.OnProgress, publishing each snapshot under
// "<prefix>.<chainName>.sync".
func (s *Sink) SyncProgressFunc(chainName string) func(p syncer.Progress) {
	subject := fmt.Sprintf("%s.%s.sync", s.prefix, chainName)
	return func(p syncer.Progress) {
		s.publish(subject, syncProgress{
			ChainID:         p.ChainID,
			BlocksProcessed: p.BlocksProcessed,
			EventsStored:    p.EventsStored,
			ActiveWorkers:   p.ActiveWorkers,
			PercentComplete: p.PercentComplete,
			BlocksPerSecond: p.BlocksPerSecond,
			ETASeconds:      p.ETA.Seconds(),
		})
	}
}

// processProgress mirrors processor.Progress.
type processProgress struct {
	ChainID         int64
	CurrentBlock    uint64
	TargetBlock     uint64
	EventsProcessed uint64
}

// ProcessProgressFunc returns a callback suitable for
// processor.HandlerExecutor.OnProgress, publishing each snapshot under
// "<prefix>.<chainName>.process".
func (s *Sink) ProcessProgressFunc(chainName string) func(p processor.Progress) {
	subject := fmt.Sprintf("%s.%s.process", s.prefix, chainName)
	return func(p processor.Progress) {
		s.publish(subject, processProgress{
			ChainID:         p.ChainID,
			CurrentBlock:    p.CurrentBlock,
			TargetBlock:     p.TargetBlock,
			EventsProcessed: p.EventsProcessed,
		})
	}
}

// Close closes the underlying NATS connection.
func (s *Sink) Close() {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info().Msg("natssink closed")
	}
}

// Healthy reports whether the NATS connection is currently up.
func (s *Sink) Healthy() bool {
	return s.nc != nil && s.nc.IsConnected()
}
