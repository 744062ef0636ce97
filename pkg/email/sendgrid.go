package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/dvhzldn/almond-river-records-sub000/pkg/config"
	pkgerrors "github.com/dvhzldn/almond-river-records-sub000/pkg/errors"
)

const (
	defaultHost  = "https://api.sendgrid.com"
	sendEndpoint = "/v3/mail/send"
)

var (
	errAPIKeyRequired = errors.New("sendgrid api key is required")
	errFromRequired   = errors.New("sendgrid from address is required")
)

// Message is one transactional email.
type Message struct {
	To        string
	ToName    string
	Subject   string
	PlainText string
	HTML      string
}

// Sender delivers messages through SendGrid's v3 mail API.
type Sender struct {
	apiKey   string
	host     string
	from     string
	fromName string
}

// Option configures optional sender behavior.
type Option func(*Sender)

// WithHost overrides the SendGrid API host.
func WithHost(host string) Option {
	return func(s *Sender) {
		if trimmed := strings.TrimSpace(host); trimmed != "" {
			s.host = trimmed
		}
	}
}

// NewSender builds a Sender from config.
func NewSender(cfg config.SendgridConfig, opts ...Option) (*Sender, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errAPIKeyRequired
	}
	from := strings.TrimSpace(cfg.DefaultFrom)
	if from == "" {
		return nil, errFromRequired
	}
	s := &Sender{
		apiKey:   apiKey,
		host:     defaultHost,
		from:     from,
		fromName: cfg.FromName,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Send delivers msg. Any non-2xx response is a DEPENDENCY_ERROR.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "recipient is required")
	}

	payload := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.from),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.PlainText,
		msg.HTML,
	)

	request := sendgrid.GetRequest(s.apiKey, sendEndpoint, s.host)
	request.Method = http.MethodPost
	request.Body = mail.GetRequestBody(payload)

	resp, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "send email")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return pkgerrors.Wrap(pkgerrors.CodeDependency,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body)),
			"sendgrid rejected email")
	}
	return nil
}
