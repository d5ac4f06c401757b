// Package notify delivers job completion and failure notifications via email and
// webhooks. Delivery runs off the worker loop so SMTP latency never delays the queue.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/syncs"

	"github.com/booktalk/booktalk/app/jobs"
)

// Sender delivers a text message to a destination URL (mailto:, https://)
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Params configures the notification service
type Params struct {
	OnError      bool
	OnCompletion bool
	Timeout      time.Duration

	EmailTo   []string
	EmailFrom string
	SMTPHost  string
	SMTPPort  int
	SMTPTLS   bool
	SMTPUser  string
	SMTPPass  string

	WebhookURLs []string

	HostName string
}

// destination pairs a sender with its target URL
type destination struct {
	sender Sender
	url    string
}

// Service dispatches notifications for finished jobs
type Service struct {
	destinations []destination
	onError      bool
	onCompletion bool
	timeout      time.Duration
	hostName     string
	gr           *syncs.SizedGroup
}

// NewService makes a notification service, nil when nothing is configured.
// Callers must check for nil before wiring it into the scheduler.
func NewService(p Params) *Service {
	if !p.OnError && !p.OnCompletion {
		return nil
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var dests []destination
	if len(p.EmailTo) > 0 && p.SMTPHost != "" {
		email := notify.NewEmail(notify.SMTPParams{
			Host:     p.SMTPHost,
			Port:     p.SMTPPort,
			TLS:      p.SMTPTLS,
			Username: p.SMTPUser,
			Password: p.SMTPPass,
			TimeOut:  timeout,
		})
		from := p.EmailFrom
		if from == "" {
			from = "booktalk@" + p.HostName
		}
		dest := fmt.Sprintf("mailto:%s?from=%s", strings.Join(p.EmailTo, ","), from)
		dests = append(dests, destination{sender: email, url: dest})
	}
	for _, u := range p.WebhookURLs {
		wh := notify.NewWebhook(notify.WebhookParams{Timeout: timeout})
		dests = append(dests, destination{sender: wh, url: u})
	}
	if len(dests) == 0 {
		return nil
	}

	return &Service{
		destinations: dests,
		onError:      p.OnError,
		onCompletion: p.OnCompletion,
		timeout:      timeout,
		hostName:     p.HostName,
		gr:           syncs.NewSizedGroup(4),
	}
}

// OnFinished implements jobs.Notifier, dispatching asynchronously per destination
func (s *Service) OnFinished(job jobs.Job) {
	if job.Status == jobs.StatusFailed && !s.onError {
		return
	}
	if job.Status != jobs.StatusFailed && !s.onCompletion {
		return
	}

	text := s.makeText(job)
	for _, d := range s.destinations {
		d := d
		s.gr.Go(func(ctx context.Context) {
			ctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if err := d.sender.Send(ctx, d.url, text); err != nil {
				log.Printf("[WARN] failed to notify %s about job %s, %v", d.url, job.ID, err)
			}
		})
	}
}

// Wait blocks until all in-flight notifications are delivered, used on shutdown
func (s *Service) Wait() { s.gr.Wait() }

// makeText builds the plain-text notification body
func (s *Service) makeText(job jobs.Job) string {
	var b strings.Builder
	switch job.Status {
	case jobs.StatusFailed:
		fmt.Fprintf(&b, "booktalk conversion failed on %s\n", s.hostName)
	case jobs.StatusCancelled:
		fmt.Fprintf(&b, "booktalk conversion cancelled on %s\n", s.hostName)
	default:
		fmt.Fprintf(&b, "booktalk conversion completed on %s\n", s.hostName)
	}
	fmt.Fprintf(&b, "book: %s\n", job.Params.DisplayTitle())
	fmt.Fprintf(&b, "job: %s\n", job.ID)
	if !job.StartedAt.IsZero() && !job.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "took: %s\n", job.FinishedAt.Sub(job.StartedAt).Round(time.Second))
	}
	if job.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", job.Error)
	}
	return b.String()
}

func (s *Service) String() string {
	return fmt.Sprintf("notify service, %d destinations, onError:%v, onCompletion:%v",
		len(s.destinations), s.onError, s.onCompletion)
}
