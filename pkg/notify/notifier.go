// Package notify delivers completion notifications: a push event to the
// owner's live connection on every job update, and a templated email on
// terminal phases when the job asked for one. Email failures are logged
// and never alter the job itself.
package notify

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/skywork/pkg/events"
	"github.com/3leaps/skywork/pkg/jobs"
)

// Config configures the notifier. All strings are deployment
// configuration; none are hard-coded.
type Config struct {
	// Enabled gates email sending entirely. Push events are always on.
	Enabled bool

	Host     string
	Port     int
	Username string
	Password string

	// From is the sender address on outgoing mail.
	From string

	// SupportAddr is the contact address included in every template.
	SupportAddr string

	// AppName is used in subject lines.
	AppName string

	// AppURL is the link back to the results view.
	AppURL string
}

// Notifier implements jobs.Listener. The registry's one-way state machine
// guarantees OnTerminal fires exactly once per job, so the notifier needs
// no duplicate-fire guard of its own.
type Notifier struct {
	bus    *events.Bus
	sender Sender
	cfg    Config
	log    *zap.Logger

	// wg tracks async sends so tests and shutdown can drain them.
	wg sync.WaitGroup
}

// New creates a notifier. sender may be nil when email is disabled.
func New(bus *events.Bus, sender Sender, cfg Config, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{bus: bus, sender: sender, cfg: cfg, log: log}
}

// OnUpdate publishes the record to the owner's live connections.
func (n *Notifier) OnUpdate(rec jobs.JobRecord) {
	if n.bus == nil {
		return
	}
	n.bus.Publish(events.Event{
		Name:    events.NameJobUpdate,
		Owner:   rec.Owner,
		ConnID:  rec.EventConnID,
		Payload: rec,
	})
}

// OnTerminal sends the completion email asynchronously when the job
// requested notification and an address is available. Absence of either
// is a silent skip, not an error.
func (n *Notifier) OnTerminal(rec jobs.JobRecord) {
	if !n.cfg.Enabled || n.sender == nil || !rec.SendNotif {
		return
	}
	to := rec.Params[jobs.ParamEmail]
	if to == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.send(rec, to); err != nil {
			n.log.Error("email notification failed",
				zap.String("job_id", rec.JobID),
				zap.String("to", to),
				zap.Error(err))
		}
	}()
}

// OnRemove implements jobs.Listener. Eviction carries no notification.
func (n *Notifier) OnRemove(rec jobs.JobRecord) {}

// SendJobEmail delivers the notification for the record to an explicit
// address, synchronously. Used by the sendEmail control operation.
func (n *Notifier) SendJobEmail(rec jobs.JobRecord, to string) error {
	if n.sender == nil {
		return fmt.Errorf("email sending is not configured")
	}
	return n.send(rec, to)
}

// Drain waits for in-flight async sends to finish.
func (n *Notifier) Drain() {
	n.wg.Wait()
}

func (n *Notifier) send(rec jobs.JobRecord, to string) error {
	body, err := renderEmail(rec, n.cfg)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	if err := n.sender.Send(to, subjectFor(rec, n.cfg.AppName), body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	n.log.Info("notification email sent",
		zap.String("job_id", rec.JobID),
		zap.String("to", to))
	return nil
}
