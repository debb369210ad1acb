package client

import (
	"context"
	"errors"
	"strings"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"kyc-service/internal/config"
)

type fakeCreator struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioClientSend(t *testing.T) {
	fake := &fakeCreator{}
	c := &TwilioClient{api: fake, sender: "+15550001111"}

	if err := c.Send(context.Background(), "+919999999999", "Your OTP for PAN verification is: 123456"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if fake.params == nil || *fake.params.To != "+919999999999" || *fake.params.From != "+15550001111" {
		t.Fatalf("unexpected params: %+v", fake.params)
	}
	if !strings.HasSuffix(*fake.params.Body, "123456") {
		t.Fatalf("unexpected body %q", *fake.params.Body)
	}
}

func TestTwilioClientSendError(t *testing.T) {
	c := &TwilioClient{api: &fakeCreator{err: errors.New("boom")}, sender: "+1"}
	if err := c.Send(context.Background(), "+91", "x"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewSMSSenderWithoutCredentials(t *testing.T) {
	sender := NewSMSSender(&config.Config{})
	if err := sender.Send(context.Background(), "+91", "x"); !errors.Is(err, ErrSMSUnavailable) {
		t.Fatalf("expected ErrSMSUnavailable, got %v", err)
	}
}

func TestTesseractClientRunsBinary(t *testing.T) {
	// echo prints its arguments, which is enough to check the command line.
	c := NewTesseractClient(config.OCRConfig{Binary: "echo"})
	out, err := c.Recognize(context.Background(), "/tmp/card.png", "eng")
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	if strings.TrimSpace(out) != "/tmp/card.png stdout -l eng" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTesseractClientFailure(t *testing.T) {
	c := NewTesseractClient(config.OCRConfig{Binary: "false"})
	if _, err := c.Recognize(context.Background(), "/tmp/card.png", "eng"); !errors.Is(err, ErrOCRFailed) {
		t.Fatalf("expected ErrOCRFailed, got %v", err)
	}
}

func TestExtractHostPort(t *testing.T) {
	cases := map[string]string{
		"localhost:9000":        "localhost:9000",
		"http://clickhouse":     "clickhouse:9000",
		"https://ch.example.io": "ch.example.io:9440",
	}
	for in, want := range cases {
		if got := extractHostPort(in); got != want {
			t.Errorf("extractHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}
