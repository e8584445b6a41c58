package client

import (
	"context"
	"fmt"

	"github.com/onionrelay/tor-go/directory"
)

// Bootstrap loads (or fetches) the consensus and microdescriptors and
// reports progress through the bootstrap callback, the same sequence
// cmd/tor-client/main.go runs inline in main() before building its first
// circuit, turned into a single callable step a host can retry.
func (c *Client) Bootstrap() error {
	c.mu.Lock()
	cache := c.cache
	logger := c.logger
	c.mu.Unlock()

	c.reportBootstrap(BootstrapStarting, 0)

	c.reportBootstrap(BootstrapFetchingConsensus, 10)
	text, ok := cache.LoadConsensus()
	if !ok {
		fetched, err := directory.FetchConsensus()
		if err != nil {
			return fmt.Errorf("fetch consensus: %w", err)
		}
		text = fetched
	}

	keyCerts, _ := cache.LoadKeyCerts()
	if len(keyCerts) == 0 {
		if fetched, err := directory.FetchKeyCerts(); err == nil {
			keyCerts = fetched
			if err := cache.SaveKeyCerts(keyCerts); err != nil {
				logger.Warn("failed to cache key certs", "error", err)
			}
		} else {
			logger.Warn("failed to fetch key certificates, falling back to structural validation", "error", err)
		}
	}

	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		return fmt.Errorf("validate consensus signatures: %w", err)
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		return fmt.Errorf("parse consensus: %w", err)
	}
	if err := directory.ValidateFreshness(consensus); err != nil {
		return fmt.Errorf("validate consensus freshness: %w", err)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}

	c.reportBootstrap(BootstrapFetchingMicrodescriptors, 50)
	c.populateMicrodescriptors(consensus)

	c.mu.Lock()
	c.consensus = consensus
	c.mu.Unlock()

	c.reportBootstrap(BootstrapBuildingCircuits, 80)
	if err := c.guards.Ensure(consensus); err != nil {
		return fmt.Errorf("select entry guards: %w", err)
	}

	c.reportBootstrap(BootstrapDone, 100)
	return nil
}

func (c *Client) populateMicrodescriptors(consensus *directory.Consensus) {
	c.mu.Lock()
	cache := c.cache
	logger := c.logger
	c.mu.Unlock()

	var useful []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			useful = append(useful, r)
		}
	}
	cache.LoadMicrodescriptors(useful)

	needFetch := false
	for _, r := range useful {
		if !r.HasNtorKey {
			needFetch = true
			break
		}
	}
	if needFetch {
		for _, addr := range directory.DirAuthorities {
			if directory.UpdateRelaysWithMicrodescriptors(addr, useful) == nil {
				break
			}
			logger.Warn("microdescriptor fetch failed", "addr", addr)
		}
	}

	if err := cache.SaveMicrodescriptors(useful); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = useful
}

func (c *Client) reportBootstrap(status BootstrapStatus, progress int) {
	c.mu.Lock()
	cb := c.bootstrapCB
	c.mu.Unlock()
	if cb != nil {
		cb(status, progress)
	}
}

// RunMainLoop is the single-threaded cooperative loop spec §4.7
// describes: it drains stream data/close events queued by background
// reader goroutines and dispatches them to host callbacks inline, until
// ctx is canceled.
func (c *Client) RunMainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.events:
			c.dispatch(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) dispatch(ev streamEvent) {
	switch ev.kind {
	case eventData:
		c.mu.Lock()
		os, ok := c.streams[ev.handle]
		cb := c.streamRecvCB
		c.mu.Unlock()
		if !ok {
			return
		}
		if cb != nil {
			cb(ev.handle, ev.data, os.userData)
			return
		}
		os.mu.Lock()
		os.readBuf = append(os.readBuf, ev.data...)
		os.mu.Unlock()
		select {
		case os.notify <- struct{}{}:
		default:
		}

	case eventClosed:
		c.mu.Lock()
		os, ok := c.streams[ev.handle]
		delete(c.streams, ev.handle)
		cb := c.streamCloseCB
		c.mu.Unlock()
		if !ok {
			return
		}
		os.markDone()
		if cb != nil {
			cb(ev.handle, ev.reason, os.userData)
		}
	}
}
