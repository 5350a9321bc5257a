package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// WebhookSink posts lifecycle events as JSON to a webhook URL with
// optional HMAC-SHA256 signing.
type WebhookSink struct {
	Name   string
	URL    string
	Secret string

	// Kinds filters delivery; empty means all kinds.
	Kinds []Kind
}

func (s *WebhookSink) wants(kind Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Dispatcher subscribes to the event bus and fans each event out to
// the registered webhook sinks. Delivery failures are logged and
// dropped; they never reach the lifecycle manager.
type Dispatcher struct {
	client *http.Client

	mu    sync.RWMutex
	sinks []*WebhookSink

	cancelSub func()
}

// NewDispatcher creates a dispatcher; call Start to begin consuming.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Register adds a webhook sink.
func (d *Dispatcher) Register(s *WebhookSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
	log.Info().Str("sink", s.Name).Str("url", s.URL).Msg("Registered webhook event sink")
}

// Start consumes the bus until ctx is done.
func (d *Dispatcher) Start(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe()
	d.cancelSub = cancel

	go func() {
		defer cancel()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.dispatch(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	d.mu.RLock()
	sinks := make([]*WebhookSink, 0, len(d.sinks))
	for _, s := range d.sinks {
		if s.wants(ev.Kind) {
			sinks = append(sinks, s)
		}
	}
	d.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sinks {
		g.Go(func() error {
			if err := d.send(gctx, s, ev); err != nil {
				log.Warn().Err(err).Str("sink", s.Name).Str("event", string(ev.Kind)).Msg("Webhook delivery failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// send posts one event with up to 3 attempts and linear backoff.
func (d *Dispatcher) send(ctx context.Context, s *WebhookSink, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*2) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Wassette-Webhook/1.0")
		req.Header.Set("X-Wassette-Event", string(ev.Kind))
		req.Header.Set("X-Wassette-Component", ev.Component)

		if s.Secret != "" {
			mac := hmac.New(sha256.New, []byte(s.Secret))
			mac.Write(body)
			req.Header.Set("X-Wassette-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, s.URL)
	}
	return fmt.Errorf("delivery failed after 3 attempts: %w", lastErr)
}
