package ingest

import (
	"context"

	"degenerus-indexer/internal/config"
	"degenerus-indexer/internal/decode"
	"degenerus-indexer/internal/registry"
	"degenerus-indexer/internal/rpc"
	"degenerus-indexer/internal/store"

	"github.com/sirupsen/logrus"
)

// Supervisor orchestrates full ingestion: open store, load registry, initial
// catch-up, then the live subscriber and health monitor concurrently.
type Supervisor struct {
	cfg *config.Config
}

// NewSupervisor builds a supervisor for the given configuration.
func NewSupervisor(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Start runs ingestion until the context is cancelled or a component fails
// unrecoverably. The live subscriber self-heals transport failures, so under
// normal operation this blocks indefinitely.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.cfg.RequireHTTP(); err != nil {
		return err
	}
	if err := s.cfg.RequireWS(); err != nil {
		return err
	}

	st, err := store.Open(s.cfg.DBPath, s.cfg.StartBlock)
	if err != nil {
		return err
	}
	defer st.Close()

	reg, err := registry.Load(s.cfg)
	if err != nil {
		return err
	}
	if err := reg.Persist(st); err != nil {
		return err
	}

	node, err := rpc.Dial(ctx, s.cfg.RPCHTTP)
	if err != nil {
		return err
	}
	defer node.Close()

	blockTimes := rpc.NewBlockTimeCache(node)
	dec := decode.New(reg)
	backfill := NewBackfill(node, st, dec, blockTimes, reg.Addresses(), s.cfg.BatchSize, s.cfg.StartBlock)

	cursor, _ := st.Cursor()
	logrus.Infof("Starting ingestion | cursor=%d contracts=%d", cursor, len(reg.Addresses()))
	if err := backfill.Missed(ctx); err != nil {
		return err
	}

	live := NewLive(s.cfg.RPCWS, backfill, st, dec, blockTimes, reg.Addresses(), s.cfg.ReconnectDelay)
	health := NewHealth(node, backfill, st, s.cfg.HealthCheckInterval, s.cfg.HealthCheckThreshold)

	errCh := make(chan error, 2)
	go func() { errCh <- live.Run(ctx) }()
	go func() { errCh <- health.Run(ctx) }()
	return <-errCh
}
