package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/edvin/podlab/internal/metrics"
	"github.com/edvin/podlab/internal/model"
)

// Puller mirrors a remote directory into a local one.
type Puller interface {
	Pull(ctx context.Context, src model.Endpoint, sourceDir, targetDir string) error
}

// Terminator deprovisions a pod.
type Terminator interface {
	TerminatePod(ctx context.Context, id string) error
}

// Client keeps one connection to the pod's relay server and acts on tokens.
type Client struct {
	cfg     ClientConfig
	pod     model.PodDescriptor
	pull    Puller
	term    Terminator
	metrics *metrics.Relay
	logger  zerolog.Logger

	// syncMu serializes pulls into the target directory.
	syncMu   sync.Mutex
	inflight sync.WaitGroup
}

// NewClient creates a Client for the pod described by pod.
func NewClient(cfg ClientConfig, pod model.PodDescriptor, pull Puller, term Terminator, m *metrics.Relay, logger zerolog.Logger) *Client {
	return &Client{
		cfg:     cfg,
		pod:     pod,
		pull:    pull,
		term:    term,
		metrics: m,
		logger:  logger.With().Str("component", "relay-client").Str("pod_id", pod.PodID).Logger(),
	}
}

// URL is the relay server address for the pod.
func (c *Client) URL() string { return c.cfg.URL(c.pod.PodID) }

// Run connects and handles tokens until the connection ends or a terminate
// token has been fully handled. It returns nil only after terminate.
func (c *Client) Run(ctx context.Context) error {
	url := c.URL()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxTokenSize)
	c.logger.Info().Str("url", url).Msg("connected to relay")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.inflight.Wait()
			return fmt.Errorf("read relay: %w", err)
		}

		switch token := strings.TrimSpace(string(data)); token {
		case TokenSync:
			c.metrics.Messages.WithLabelValues(TokenSync).Inc()
			c.inflight.Add(1)
			go func() {
				defer c.inflight.Done()
				if err := c.sync(ctx); err != nil {
					c.logger.Error().Err(err).Msg("sync failed")
				}
			}()
		case TokenTerminate:
			c.metrics.Messages.WithLabelValues(TokenTerminate).Inc()
			if err := c.terminate(ctx); err != nil {
				return err
			}
			conn.Close(websocket.StatusNormalClosure, "terminated")
			return nil
		default:
			c.metrics.Messages.WithLabelValues("unknown").Inc()
			c.logger.Info().Str("token", token).Msg("ignoring unknown relay token")
		}
	}
}

func (c *Client) sync(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	c.logger.Info().Str("source", c.cfg.SourceDir).Str("target", c.cfg.TargetDir).Msg("pulling from pod")
	if err := c.pull.Pull(ctx, c.pod.Endpoint(), c.cfg.SourceDir, c.cfg.TargetDir); err != nil {
		c.metrics.Syncs.WithLabelValues("error").Inc()
		return err
	}
	c.metrics.Syncs.WithLabelValues("ok").Inc()
	return nil
}

// terminate waits for in-flight pulls, pulls once more, then deprovisions the
// pod and removes the descriptor. The pod is left running if the final pull
// fails, since terminating it would lose the data.
func (c *Client) terminate(ctx context.Context) error {
	c.logger.Info().Msg("terminate received, running final sync")
	c.inflight.Wait()
	if err := c.sync(ctx); err != nil {
		return fmt.Errorf("final sync before terminate: %w", err)
	}
	if err := c.term.TerminatePod(ctx, c.pod.PodID); err != nil {
		return fmt.Errorf("terminate pod %s: %w", c.pod.PodID, err)
	}
	if err := os.Remove(c.cfg.PodInfoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn().Err(err).Str("path", c.cfg.PodInfoPath).Msg("removing pod descriptor failed")
	}
	c.logger.Info().Msg("pod terminated")
	return nil
}
