package rpc

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultAttempts = 3
	defaultDelay    = 1500 * time.Millisecond
)

// Client wraps the go-ethereum ethclient with retry helpers for the calls the
// indexer makes against the HTTP node. Transient node failures are retried a
// fixed number of times with a short delay; errors that signal an oversized
// log query are returned immediately so the caller can shrink its window.
type Client struct {
	*ethclient.Client

	attempts int
	delay    time.Duration
}

// Dial establishes a new RPC connection with retry support using the provided
// context and URL. The same constructor serves HTTP and websocket endpoints;
// ethclient picks the transport from the URL scheme.
func Dial(ctx context.Context, url string) (*Client, error) {
	var (
		cli *ethclient.Client
		err error
	)

	for attempt := 1; attempt <= defaultAttempts; attempt++ {
		cli, err = ethclient.DialContext(ctx, url)
		if err == nil {
			return &Client{Client: cli, attempts: defaultAttempts, delay: defaultDelay}, nil
		}

		logrus.Warnf("RPC dial failed (attempt %d/%d): %v", attempt, defaultAttempts, err)

		// Don't wait after the final attempt
		if attempt < defaultAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(defaultDelay):
			}
		}
	}

	return nil, err
}

// GetLogs fetches logs that match the given filter query with retry logic.
// Range-too-large rejections are not retried: the backfill engine reacts to
// them by halving its window.
func (c *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var (
		logs []types.Log
		err  error
	)

	for attempt := 1; attempt <= c.attempts; attempt++ {
		logs, err = c.Client.FilterLogs(ctx, query)
		if err == nil {
			return logs, nil
		}
		if IsRangeTooLarge(err) {
			return nil, err
		}

		logrus.Warnf("GetLogs failed (attempt %d/%d): %v", attempt, c.attempts, err)

		if attempt < c.attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.delay):
			}
		}
	}

	return nil, err
}

// GetHeaderByNumber retrieves a block header by its number with retry logic.
// Pass nil as the number parameter to fetch the latest header. This is a
// lightweight alternative to fetching the full block and is all the indexer
// needs for block timestamps.
func (c *Client) GetHeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var (
		header *types.Header
		err    error
	)

	for attempt := 1; attempt <= c.attempts; attempt++ {
		header, err = c.Client.HeaderByNumber(ctx, number)
		if err == nil {
			return header, nil
		}

		logrus.Warnf("GetHeaderByNumber failed (attempt %d/%d): %v", attempt, c.attempts, err)

		if attempt < c.attempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.delay):
			}
		}
	}

	return nil, err
}

// LatestBlockNumber fetches the latest block number via eth_blockNumber with
// retry logic. It is significantly cheaper than downloading the full latest
// block when only the height is required.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var (
		num uint64
		err error
	)

	for attempt := 1; attempt <= c.attempts; attempt++ {
		num, err = c.Client.BlockNumber(ctx)
		if err == nil {
			return num, nil
		}

		logrus.Warnf("LatestBlockNumber failed (attempt %d/%d): %v", attempt, c.attempts, err)

		if attempt < c.attempts {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.delay):
			}
		}
	}

	return 0, err
}

// SubscribeLogs opens an eth_subscribe("logs") subscription for the given
// filter. The endpoint must be a websocket one; subscription errors are
// delivered on the returned subscription's Err channel.
func (c *Client) SubscribeLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.Client.SubscribeFilterLogs(ctx, query, ch)
}

// rangeTooLargeMarkers are the substrings nodes use to reject an eth_getLogs
// call whose block window spans too many blocks or would return too many
// results. Wording varies per provider.
var rangeTooLargeMarkers = []string{
	"query returned more than",
	"too many",
	"block range is too wide",
	"log response size exceeded",
	"is greater than the limit",
}

// IsRangeTooLarge reports whether err is a node-side rejection of an
// oversized log query.
func IsRangeTooLarge(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rangeTooLargeMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
