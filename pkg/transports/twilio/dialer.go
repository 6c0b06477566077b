package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ryanm/call-gpt/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls that connect back to the voice webhook.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions places a call. An empty url selects the configured voice
// webhook; status callbacks default to the configured status path.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	if url == "" {
		url = d.webhookURL(d.cfg.VoicePath)
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	status := strings.TrimSpace(opts.StatusCallback)
	if status == "" && d.cfg.PublicURL != "" {
		status = d.webhookURL(d.cfg.StatusCallbackPath)
	}
	if status != "" {
		params.SetStatusCallback(status)
		params.SetStatusCallbackEvent([]string{"completed"})
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) webhookURL(path string) string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + path
	}
	addr := d.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// Dial places an outbound call through the transport's account.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, url, opts)
}

var (
	_ transports.Transport                 = (*Transport)(nil)
	_ transports.OutboundDialerWithOptions = (*Transport)(nil)
	_ transports.CallTransferer            = (*Transport)(nil)
	_ transports.ReadyReporter             = (*Transport)(nil)
)
