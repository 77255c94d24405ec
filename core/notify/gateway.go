package notify

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/pkg/errors"

	"github.com/trezcool/kanisa/core"
)

// Body is a rendered message. HTML is optional and sent as the alternative part.
type Body struct {
	Text string
	HTML string
}

// Gateway is the outbound notification transport.
type Gateway interface {
	SendEmail(ctx context.Context, toAddress, toName, subject string, body Body) error
	// RenderTemplate returns core.ErrTemplateNotFound when name is unknown.
	RenderTemplate(name string, data interface{}) (subject string, body Body, err error)
}

type mailGateway struct {
	mailSvc   core.EmailService
	templates *core.Templates
	logger    core.Logger
}

var _ Gateway = (*mailGateway)(nil)

// NewMailGateway sends notifications through an email service, rendering from templates.
func NewMailGateway(mailSvc core.EmailService, templates *core.Templates, logger core.Logger) Gateway {
	return &mailGateway{mailSvc: mailSvc, templates: templates, logger: logger}
}

func (gw *mailGateway) SendEmail(ctx context.Context, toAddress, toName, subject string, body Body) error {
	addr, err := mail.ParseAddress(toAddress)
	if err != nil {
		return errors.Wrapf(err, "parsing address %q", toAddress)
	}
	if toName != "" {
		addr.Name = toName
	}
	msg := &core.EmailMessage{
		To:          []mail.Address{*addr},
		Subject:     subject,
		BodyStr:     body.Text,
		HTMLContent: body.HTML,
	}
	return errors.Wrap(gw.mailSvc.SendMessage(ctx, msg), "sending email")
}

func (gw *mailGateway) RenderTemplate(name string, data interface{}) (string, Body, error) {
	if !gw.templates.Has(name) {
		if guess := gw.templates.Suggest(name); guess != "" {
			gw.logger.Warn(fmt.Sprintf("unknown email template %q, did you mean %q?", name, guess))
		} else {
			gw.logger.Warn(fmt.Sprintf("unknown email template %q", name))
		}
		return "", Body{}, errors.Wrap(core.ErrTemplateNotFound, name)
	}
	subject, text, html, err := gw.templates.Render(name, data)
	if err != nil {
		return "", Body{}, err
	}
	return subject, Body{Text: text, HTML: html}, nil
}
