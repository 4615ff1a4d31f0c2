package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"degenerus-indexer/internal/config"
	"degenerus-indexer/internal/decode"
	"degenerus-indexer/internal/ingest"
	"degenerus-indexer/internal/registry"
	"degenerus-indexer/internal/rpc"
	"degenerus-indexer/internal/state"
	"degenerus-indexer/internal/store"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	// Configure global logger (timestamped, info level by default).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:           "indexer",
		Short:         "Degenerus protocol event indexer and state reconstruction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	root.AddCommand(runCmd(), backfillCmd(), stateCmd(), eventsCmd())

	if err := root.Execute(); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("interrupt received, shutting down gracefully")
		cancel()
	}()
	return ctx, cancel
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start live ingestion with catch-up and health monitoring",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := ingest.NewSupervisor(cfg).Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func backfillCmd() *cobra.Command {
	var fromBlock, toBlock uint64
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Manually backfill a block range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.RequireHTTP(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			st, err := store.Open(cfg.DBPath, cfg.StartBlock)
			if err != nil {
				return err
			}
			defer st.Close()

			reg, err := registry.Load(cfg)
			if err != nil {
				return err
			}
			if err := reg.Persist(st); err != nil {
				return err
			}

			node, err := rpc.Dial(ctx, cfg.RPCHTTP)
			if err != nil {
				return err
			}
			defer node.Close()

			to := toBlock
			if !cmd.Flags().Changed("to-block") {
				if to, err = node.LatestBlockNumber(ctx); err != nil {
					return err
				}
			}

			backfill := ingest.NewBackfill(
				node, st, decode.New(reg), rpc.NewBlockTimeCache(node),
				reg.Addresses(), cfg.BatchSize, cfg.StartBlock,
			)
			return backfill.Range(ctx, fromBlock, to)
		},
	}
	cmd.Flags().Uint64Var(&fromBlock, "from-block", 0, "First block of the range (inclusive)")
	cmd.Flags().Uint64Var(&toBlock, "to-block", 0, "Last block of the range (defaults to chain tip)")
	cmd.MarkFlagRequired("from-block")
	return cmd
}

func stateCmd() *cobra.Command {
	var block uint64
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the reconstructed state snapshot at a block",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath, cfg.StartBlock)
			if err != nil {
				return err
			}
			defer st.Close()

			recon, err := state.New(st)
			if err != nil {
				return err
			}
			snap, err := recon.AtBlock(block)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
	cmd.Flags().Uint64Var(&block, "block", 0, "Target block number")
	cmd.MarkFlagRequired("block")
	return cmd
}

func eventsCmd() *cobra.Command {
	var contract, name string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List persisted events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DBPath, cfg.StartBlock)
			if err != nil {
				return err
			}
			defer st.Close()

			contractAddr := ""
			if contract != "" {
				resolved, ok := st.ResolveContract(contract)
				if !ok {
					return fmt.Errorf("unknown contract: %s", contract)
				}
				contractAddr = resolved
			}

			events, err := st.QueryEvents(contractAddr, name, limit)
			if err != nil {
				return err
			}
			out := make([]eventOut, 0, len(events))
			for _, ev := range events {
				out = append(out, newEventOut(ev))
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&contract, "contract", "", "Filter by contract name or address")
	cmd.Flags().StringVar(&name, "name", "", "Filter by event name")
	cmd.Flags().IntVar(&limit, "limit", 200, "Maximum number of events")
	return cmd
}

type eventOut struct {
	BlockNumber     uint64          `json:"block_number"`
	BlockTimestamp  *uint64         `json:"block_timestamp"`
	TransactionHash string          `json:"transaction_hash"`
	LogIndex        uint            `json:"log_index"`
	ContractAddress string          `json:"contract_address"`
	EventName       string          `json:"event_name"`
	EventSignature  *string         `json:"event_signature"`
	DecodedArgs     json.RawMessage `json:"decoded_args"`
}

func newEventOut(ev store.StoredEvent) eventOut {
	out := eventOut{
		BlockNumber:     ev.BlockNumber,
		BlockTimestamp:  ev.BlockTimestamp,
		TransactionHash: ev.TxHash,
		LogIndex:        ev.LogIndex,
		ContractAddress: ev.ContractAddress,
		EventName:       ev.EventName,
		EventSignature:  ev.EventSignature,
	}
	if json.Valid([]byte(ev.DecodedArgs)) {
		out.DecodedArgs = json.RawMessage(ev.DecodedArgs)
	} else {
		raw, _ := json.Marshal(ev.DecodedArgs)
		out.DecodedArgs = raw
	}
	return out
}

func printJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
