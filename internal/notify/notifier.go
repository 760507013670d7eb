package notify

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"qms/waitlist-service/internal/events"

	"github.com/rs/zerolog/log"
)

const (
	templateRegistered = "customer_registered"
	templateCalled     = "customer_called"
)

type Config struct {
	Provider    Provider
	Language    string
	CallTimeout time.Duration
	SendTimeout time.Duration
	// Templates overrides the built-in text per template id.
	Templates map[string]string
}

// Notifier turns lifecycle events into messages for the customer's phone.
// It satisfies events.Publisher so it can sit next to the event bus.
type Notifier struct {
	cfg Config
	wg  sync.WaitGroup
}

func New(cfg Config) *Notifier {
	if cfg.Provider == nil {
		cfg.Provider = logProvider{}
	}
	if cfg.Language == "" {
		cfg.Language = "id"
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Notifier{cfg: cfg}
}

// Publish sends asynchronously and never fails the caller.
func (n *Notifier) Publish(ctx context.Context, subject string, data interface{}) error {
	event, ok := data.(events.CustomerEvent)
	if !ok {
		return nil
	}
	templateID := templateForSubject(subject)
	if templateID == "" || event.Phone == "" {
		return nil
	}
	message := renderTemplate(n.template(templateID), n.vars(event))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.cfg.SendTimeout)
		defer cancel()
		if err := n.cfg.Provider.Send(sendCtx, message, event.Phone); err != nil {
			log.Warn().Err(err).Str("customer_id", event.CustomerID).Str("template", templateID).Msg("notification failed")
			return
		}
		log.Debug().Str("customer_id", event.CustomerID).Str("template", templateID).Msg("notification sent")
	}()
	return nil
}

// Close waits for in-flight sends.
func (n *Notifier) Close() error {
	n.wg.Wait()
	return nil
}

func (n *Notifier) template(templateID string) string {
	if body, ok := n.cfg.Templates[templateID]; ok && body != "" {
		return body
	}
	return defaultTemplate(templateID, n.cfg.Language)
}

func (n *Notifier) vars(event events.CustomerEvent) map[string]string {
	minutes := int((n.cfg.CallTimeout + time.Minute - 1) / time.Minute)
	return map[string]string{
		"name":       event.Name,
		"party_size": strconv.Itoa(event.PartySize),
		"minutes":    strconv.Itoa(minutes),
	}
}

func templateForSubject(subject string) string {
	switch subject {
	case events.CustomerRegistered:
		return templateRegistered
	case events.CustomerCalled:
		return templateCalled
	default:
		return ""
	}
}

func defaultTemplate(templateID, lang string) string {
	if lang == "en" {
		switch templateID {
		case templateRegistered:
			return "Hi {name}, you are on the waitlist for {party_size}."
		case templateCalled:
			return "Hi {name}, your table for {party_size} is ready. Please come to the host stand within {minutes} minutes."
		}
	}
	switch templateID {
	case templateRegistered:
		return "Halo {name}, Anda masuk daftar tunggu untuk {party_size} orang."
	case templateCalled:
		return "Halo {name}, meja untuk {party_size} orang sudah siap. Silakan datang dalam {minutes} menit."
	}
	return ""
}

func renderTemplate(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
