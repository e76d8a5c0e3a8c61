// Package alert sends motion notifications.
//
// The Dispatcher fires on a motion-start edge only, and only for feeds with
// alerting enabled. Every configured Notifier gets the alert in its own
// goroutine; failures are logged and never reach the frame pipeline. There is
// no retry and no de-duplication.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edirooss/feedmux-server/internal/domain/feed"
	"github.com/edirooss/feedmux-server/internal/domain/frame"
	"github.com/edirooss/feedmux-server/internal/metrics"
)

// Alert is the payload handed to notifiers.
type Alert struct {
	FeedID   string
	FeedName string
	Subject  string
	Text     string
	Image    []byte // JPEG still of the triggering frame
	At       time.Time
	Ratio    float64
}

// Notifier delivers alerts over one channel (mail, SMS, MQTT...).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

const defaultTimeout = 30 * time.Second

// Dispatcher fans alerts out to notifiers.
type Dispatcher struct {
	log       *zap.Logger
	notifiers []Notifier
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewDispatcher returns a Dispatcher. With no notifiers every alert is
// dropped (after a debug log).
func NewDispatcher(log *zap.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		log:       log.Named("alert"),
		notifiers: notifiers,
		timeout:   defaultTimeout,
	}
}

// Notifiers returns the names of the configured notifiers.
func (d *Dispatcher) Notifiers() []string {
	names := make([]string, len(d.notifiers))
	for i, n := range d.notifiers {
		names[i] = n.Name()
	}
	return names
}

// OnFrame dispatches an alert if fr starts motion on a feed that alerts on
// motion. It returns immediately.
func (d *Dispatcher) OnFrame(f *feed.Feed, fr *frame.Frame) {
	if !fr.IsMotionStart || !f.AlertOnMotion {
		return
	}
	d.Dispatch(NewMotionAlert(f, fr))
}

// NewMotionAlert builds the alert for a motion-start frame.
func NewMotionAlert(f *feed.Feed, fr *frame.Frame) Alert {
	name := f.Name
	if name == "" {
		name = f.ID
	}
	at := fr.CapturedAt
	return Alert{
		FeedID:   f.ID,
		FeedName: name,
		Subject:  fmt.Sprintf("Motion detected on %s", name),
		Text: fmt.Sprintf("Motion detected on %s at %s (%.1f%% of the watched area changed).",
			name, at.UTC().Format(time.RFC3339), fr.MotionRatio*100),
		Image: fr.Data,
		At:    at,
		Ratio: fr.MotionRatio,
	}
}

// Dispatch hands a to every notifier asynchronously.
func (d *Dispatcher) Dispatch(a Alert) {
	log := d.log.With(zap.String("feed_id", a.FeedID))
	if len(d.notifiers) == 0 {
		log.Debug("motion alert dropped; no notifiers configured")
		return
	}

	for _, n := range d.notifiers {
		d.wg.Add(1)
		go func(n Notifier) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := n.Notify(ctx, a); err != nil {
				metrics.AlertsDispatched.WithLabelValues(n.Name(), "error").Inc()
				log.Warn("motion alert delivery failed", zap.String("notifier", n.Name()), zap.Error(err))
				return
			}
			metrics.AlertsDispatched.WithLabelValues(n.Name(), "success").Inc()
			log.Info("motion alert delivered", zap.String("notifier", n.Name()))
		}(n)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
