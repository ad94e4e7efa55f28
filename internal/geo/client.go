package geo

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"TapLedger/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Lookup results reported to the Observer.
const (
	ResultSkipped   = "skipped"
	ResultHit       = "hit"
	ResultSharedHit = "shared_hit"
	ResultMiss      = "miss"
	ResultTimeout   = "timeout"
	ResultError     = "error"
)

// providerTimeout bounds a provider call running on the lookup pool. It is
// independent of the caller's timeout so a slow answer still fills the cache.
const providerTimeout = 5 * time.Second

// Observer receives one result per lookup.
type Observer interface {
	GeoResult(result string)
}

// Options configures a Client. The client takes ownership of Shared and
// closes it on Close.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Workers   int
	Timeout   time.Duration
	Shared    SharedCache
	Observer  Observer
}

type job struct {
	addr   netip.Addr
	result chan *model.GeoInfo
}

// Client resolves addresses through a cache and a bounded lookup pool. A
// caller waits at most Timeout and gets nil on expiry.
type Client struct {
	provider Provider
	cache    *expirable.LRU[netip.Addr, *model.GeoInfo]
	shared   SharedCache
	timeout  time.Duration
	observer Observer
	log      *slog.Logger

	jobs      chan job
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewClient starts the lookup pool.
func NewClient(provider Provider, opts Options, log *slog.Logger) *Client {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 250 * time.Millisecond
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		provider: provider,
		cache:    newCache(opts.CacheSize, opts.CacheTTL),
		shared:   opts.Shared,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		log:      log.With("component", "geo"),
		jobs:     make(chan job, opts.Workers),
		done:     make(chan struct{}),
	}
	c.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go c.worker()
	}
	return c
}

// Lookup returns the geo snapshot of addr, or nil when it is not routable,
// unknown, or not resolved within the timeout.
func (c *Client) Lookup(ctx context.Context, addr netip.Addr) *model.GeoInfo {
	if !model.Routable(addr) {
		c.observe(ResultSkipped)
		return nil
	}
	addr = addr.Unmap()

	if info, ok := c.cache.Get(addr); ok {
		c.observe(ResultHit)
		return info
	}
	if c.shared != nil {
		info, ok, err := c.shared.Get(ctx, addr)
		if err != nil {
			c.log.Debug("shared geo cache unavailable", "error", err)
		} else if ok {
			c.cache.Add(addr, info)
			c.observe(ResultSharedHit)
			return info
		}
	}

	res := make(chan *model.GeoInfo, 1)
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.jobs <- job{addr: addr, result: res}:
	case <-timer.C:
		c.observe(ResultTimeout)
		return nil
	case <-ctx.Done():
		return nil
	case <-c.done:
		return nil
	}

	select {
	case info := <-res:
		c.observe(ResultMiss)
		return info
	case <-timer.C:
		c.observe(ResultTimeout)
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) worker() {
	defer c.wg.Done()
	for {
		select {
		case j := <-c.jobs:
			j.result <- c.resolve(j.addr)
		case <-c.done:
			return
		}
	}
}

func (c *Client) resolve(addr netip.Addr) *model.GeoInfo {
	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	info, err := c.provider.Lookup(ctx, addr)
	if err != nil {
		c.observe(ResultError)
		c.log.Warn("geo lookup failed", "addr", addr, "error", err)
		return nil
	}
	if info.Empty() {
		info = nil
	}
	c.cache.Add(addr, info)
	if c.shared != nil {
		if err := c.shared.Set(ctx, addr, info); err != nil {
			c.log.Debug("failed to fill shared geo cache", "error", err)
		}
	}
	return info
}

func (c *Client) observe(result string) {
	if c.observer != nil {
		c.observer.GeoResult(result)
	}
}

// Close stops the lookup pool and the shared cache.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		if c.shared != nil {
			err = c.shared.Close()
		}
	})
	return err
}
