package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"kyc-service/internal/config"
	"kyc-service/internal/util"
)

var ErrSMSUnavailable = errors.New("sms delivery unavailable")

// SMSSender delivers a text message to an E.164 phone number.
type SMSSender interface {
	Send(ctx context.Context, to, body string) error
}

// messageCreator is the part of the Twilio REST client we call.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

type TwilioClient struct {
	api    messageCreator
	sender string
}

func NewTwilioClient(cfg config.TwilioConfig) *TwilioClient {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{api: rest.Api, sender: cfg.Sender}
}

func (c *TwilioClient) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.sender)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send failed: %w", err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	util.Info("SMS dispatched", util.Phone("to", to), util.String("message_sid", sid))
	return nil
}

// UnavailableSender is used when no SMS provider is configured. Every send
// fails, which routes issuance onto the fallback path.
type UnavailableSender struct{}

func (UnavailableSender) Send(ctx context.Context, to, body string) error {
	return ErrSMSUnavailable
}

// NewSMSSender picks Twilio when credentials are present.
func NewSMSSender(cfg *config.Config) SMSSender {
	if cfg.TwilioConfigured() {
		return NewTwilioClient(cfg.Twilio)
	}
	util.Warn("Twilio not configured - SMS delivery disabled")
	return UnavailableSender{}
}
