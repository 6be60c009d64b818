package notifier

import (
	"context"
	"sync"
	"time"

	logx "digestbot/pkg/logx"
)

const historyLimit = 300

// Service fans deliveries out to channels.
//
// It is safe for concurrent use.
type Service struct {
	log      logx.Logger
	channels []Channel

	hmu     sync.Mutex
	history []HistoryItem
}

func New(log logx.Logger, channels ...Channel) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log}
	for _, c := range channels {
		if c != nil {
			s.channels = append(s.channels, c)
		}
	}
	return s
}

// Channels lists the configured channel names.
func (s *Service) Channels() []string {
	out := make([]string, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c.Name())
	}
	return out
}

// Deliver runs every channel. Failures are logged and recorded; they are
// reported back for the caller's information only.
func (s *Service) Deliver(ctx context.Context, d Delivery) []Result {
	var all []Result
	for _, c := range s.channels {
		res := c.Deliver(ctx, d)
		for _, r := range res {
			if r.Err != nil {
				s.log.Error("delivery failed",
					logx.String("subscription", d.Subscription),
					logx.String("channel", r.Channel),
					logx.String("target", r.Target),
					logx.Err(r.Err),
				)
			} else {
				s.log.Info("delivered",
					logx.String("subscription", d.Subscription),
					logx.String("channel", r.Channel),
					logx.String("target", r.Target),
				)
			}
			s.appendHistory(d.Subscription, r)
		}
		all = append(all, res...)
	}
	return all
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(sub string, r Result) {
	h := HistoryItem{At: time.Now(), Subscription: sub, Channel: r.Channel, Target: r.Target}
	if r.Err != nil {
		h.Error = r.Err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}
