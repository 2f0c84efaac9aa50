package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/shadow-agent/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 // seconds

	// millisecondsPerSecond converts seconds to milliseconds for the InfluxDB API.
	millisecondsPerSecond = 1000
)

// Options identifies whose history a Client writes.
type Options struct {
	// DeviceID is added as the device_id tag on every point. Required.
	DeviceID string
}

// Client writes one device's reported shadow history into a single
// bucket. Points get the device_id tag from the client, so a Recorder
// only supplies the per-service tag and fields.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Writes are non-blocking and batched; failures arrive on SetOnError.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	deviceID string

	mu      sync.RWMutex
	open    bool
	onError func(err error)
	lastErr error

	failures atomic.Uint64
}

var _ PointWriter = (*Client)(nil)

// Connect opens the history bucket for opts.DeviceID.
//
// It performs the following setup:
//  1. Creates the client with token authentication and the device_id default tag
//  2. Verifies connectivity with a ping
//  3. Checks that the configured bucket exists
//  4. Configures the non-blocking write API and its error listener
//
// Returns:
//   - *Client: Ready client; Close flushes and releases it
//   - error: ErrDisabled, ErrNoDeviceID, ErrBucketNotFound or ErrConnectionFailed
func Connect(ctx context.Context, cfg config.InfluxDBConfig, opts Options) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if opts.DeviceID == "" {
		return nil, ErrNoDeviceID
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond).
			AddDefaultTag(TagDeviceID, opts.DeviceID),
	)

	cctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	if err := ping(cctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if _, err := client.BucketsAPI().FindBucketByName(cctx, cfg.Bucket); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %q in org %q: %w", ErrBucketNotFound, cfg.Bucket, cfg.Org, err)
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		deviceID: opts.DeviceID,
		open:     true,
	}
	go c.watchWrites(c.writeAPI.Errors())
	return c, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// watchWrites counts failed batches and forwards them to the callback.
func (c *Client) watchWrites(errorsCh <-chan error) {
	for err := range errorsCh {
		err = fmt.Errorf("%w: device %s bucket %s: %w", ErrWriteFailed, c.deviceID, c.bucket, err)
		c.failures.Add(1)

		c.mu.Lock()
		c.lastErr = err
		callback := c.onError
		c.mu.Unlock()
		if callback != nil {
			callback(err)
		}
	}
}

// SetOnError sets a callback for failed asynchronous writes.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// WritePoints queues points for the next batch. It is a no-op once the
// client is closed.
func (c *Client) WritePoints(points ...*write.Point) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.open {
		return
	}
	for _, p := range points {
		c.writeAPI.WritePoint(p)
	}
}

// Failures returns the number of batches InfluxDB rejected.
func (c *Client) Failures() uint64 {
	return c.failures.Load()
}

// HealthCheck reports whether history is being recorded: the client is
// open, the server answers a ping, and no batch has failed since the
// previous check.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	open := c.open
	c.mu.RUnlock()
	if !open {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.client); err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.lastErr
	c.lastErr = nil
	return err
}

// Close flushes pending points and releases the client. It is safe to
// call more than once and on a zero Client.
func (c *Client) Close() error {
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()

	if !wasOpen {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}
