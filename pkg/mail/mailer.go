// Package mail delivers exported PDFs by email.
package mail

import (
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
)

// Config holds SMTP connection settings
type Config struct {
	Host          string `yaml:"host" json:"host"`
	Port          int    `yaml:"port" json:"port"`
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"password,omitempty"`
	From          string `yaml:"from" json:"from"`
	UseTLS        bool   `yaml:"use_tls" json:"use_tls"`
	SkipTLSVerify bool   `yaml:"skip_tls_verify" json:"skip_tls_verify"`
}

// Configured reports whether enough is set to attempt delivery
func (c Config) Configured() bool {
	return c.Host != "" && c.Port != 0 && c.From != ""
}

// Mailer sends report emails through a gomail dialer
type Mailer struct {
	config Config
	dialer *gomail.Dialer
	send   func(m ...*gomail.Message) error
}

// NewMailer creates a mailer for the given SMTP config
func NewMailer(cfg Config) *Mailer {
	d := newDialer(cfg)
	return &Mailer{config: cfg, dialer: d, send: d.DialAndSend}
}

func newDialer(cfg Config) *gomail.Dialer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.UseTLS {
		d.TLSConfig = &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.SkipTLSVerify,
		}
	} else {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

// SendReport emails the PDF as an attachment to every recipient
func (m *Mailer) SendReport(recipients model.Recipients, subject, body string, pdf []byte, filename string) error {
	return m.SendReports(recipients, subject, body, []*model.PDFArtifact{{Filename: filename, Data: pdf}})
}

// SendReports emails all documents in one message
func (m *Mailer) SendReports(recipients model.Recipients, subject, body string, docs []*model.PDFArtifact) error {
	if len(recipients.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	msg := m.buildMessage(recipients, subject, body, docs)

	if err := m.send(msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	total := 0
	for _, d := range docs {
		total += d.Size()
	}
	logger.Info("Report email sent",
		zap.Strings("to", recipients.To),
		zap.Int("attachments", len(docs)),
		zap.Int("bytes", total),
	)
	return nil
}

func (m *Mailer) buildMessage(recipients model.Recipients, subject, body string, docs []*model.PDFArtifact) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.config.From)
	msg.SetHeader("To", recipients.To...)
	if len(recipients.CC) > 0 {
		msg.SetHeader("Cc", recipients.CC...)
	}
	if len(recipients.BCC) > 0 {
		msg.SetHeader("Bcc", recipients.BCC...)
	}
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)
	for _, doc := range docs {
		data := doc.Data
		msg.Attach(doc.Filename,
			gomail.SetHeader(map[string][]string{"Content-Type": {"application/pdf"}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}
	return msg
}

// TestConnection dials and authenticates without sending anything
func TestConnection(cfg Config) error {
	sc, err := newDialer(cfg).Dial()
	if err != nil {
		return err
	}
	return sc.Close()
}

// InterpolateTemplate replaces {{key}} placeholders with vars[key]
func InterpolateTemplate(tpl string, vars map[string]string) string {
	if tpl == "" || len(vars) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
