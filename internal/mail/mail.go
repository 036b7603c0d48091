// Package mail sends portal notification email through SESv2. Recipients
// may be given as raw addresses or as portal usernames, which are resolved
// through the user service. The reserved admin username routes to the
// operator mailbox instead of a record lookup.
package mail

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/opensciencelab/portal/internal/user"
)

// AdminUsername is the reserved operator account. It has no user record;
// mail for it goes to the configured operator address.
const AdminUsername = "osl-admin"

var ErrNoRecipients = errors.New("no recipients specified")

// API is the SESv2 surface used here.
type API interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, opts ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type Config struct {
	// OperatorAddress receives admin-alias mail and is the reply-to for
	// everything sent.
	OperatorAddress string
	// Domain forms the sender address admin@<Domain>.
	Domain string
}

func ConfigFromEnv() Config {
	return Config{
		OperatorAddress: os.Getenv("SES_EMAIL"),
		Domain:          os.Getenv("SES_DOMAIN"),
	}
}

func (c Config) sender() string {
	return fmt.Sprintf("%q <admin@%s>", "OpenScienceLab", c.Domain)
}

// Party names a set of recipients by address and by portal username.
type Party struct {
	Email    []string `json:"email"`
	Username []string `json:"username"`
}

// Message is a notification to deliver. The sender is always the portal;
// any caller-supplied from address is ignored.
type Message struct {
	To       Party  `json:"to"`
	CC       Party  `json:"cc"`
	BCC      Party  `json:"bcc"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
}

type Sender struct {
	api    API
	users  *user.Service
	cfg    Config
	logger *zap.SugaredLogger
}

func NewSender(api API, users *user.Service, cfg Config, logger *zap.SugaredLogger) *Sender {
	return &Sender{api: api, users: users, cfg: cfg, logger: logger}
}

// resolve expands a party into addresses. Usernames without a resolvable
// address are skipped with a log line rather than failing the whole send.
func (s *Sender) resolve(ctx context.Context, p Party) []string {
	out := append([]string(nil), p.Email...)
	for _, username := range p.Username {
		if username == AdminUsername {
			out = append(out, s.cfg.OperatorAddress)
			continue
		}
		rec, err := s.users.Get(ctx, username, false)
		if err != nil {
			s.logger.Errorw("mail recipient not found", "username", username)
			continue
		}
		if email := rec.Email(); email != "" {
			out = append(out, email)
		}
	}
	return out
}

// Send delivers the message. A send that raises an error is reported to
// the operator mailbox before the error is returned.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	to := s.resolve(ctx, msg.To)
	if len(to) == 0 {
		return s.reportFailure(ctx, ErrNoRecipients)
	}

	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.cfg.sender()),
		Destination: &sestypes.Destination{
			ToAddresses:  to,
			CcAddresses:  s.resolve(ctx, msg.CC),
			BccAddresses: s.resolve(ctx, msg.BCC),
		},
		ReplyToAddresses: []string{s.cfg.OperatorAddress},
		Content:          simpleContent(msg.Subject, msg.HTMLBody),
	}
	if _, err := s.api.SendEmail(ctx, in); err != nil {
		return s.reportFailure(ctx, fmt.Errorf("send email: %w", err))
	}
	return nil
}

// reportFailure mails the failure to the operator and hands the original
// error back.
func (s *Sender) reportFailure(ctx context.Context, cause error) error {
	s.logger.Errorw("could not send email", "error", cause)
	body := fmt.Sprintf("<p>Error in sending email:</p><pre>%s</pre>", cause)
	_, err := s.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.cfg.sender()),
		Destination: &sestypes.Destination{
			ToAddresses: []string{s.cfg.OperatorAddress},
		},
		ReplyToAddresses: []string{s.cfg.OperatorAddress},
		Content:          simpleContent("Error in sending email", body),
	})
	if err != nil {
		s.logger.Errorw("could not send admin error email", "error", err)
	}
	return cause
}

func simpleContent(subject, htmlBody string) *sestypes.EmailContent {
	return &sestypes.EmailContent{
		Simple: &sestypes.Message{
			Subject: &sestypes.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &sestypes.Body{
				Html: &sestypes.Content{
					Data:    aws.String(htmlBody),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}
}
