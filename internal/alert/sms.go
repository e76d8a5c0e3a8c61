package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// SMSConfig configures SMS/MMS delivery through an HTTP gateway. The still
// is first uploaded to an image host whose returned URL is sent as media.
type SMSConfig struct {
	GatewayURL   string   `yaml:"gateway_url"`
	ImageHostURL string   `yaml:"image_host_url"`
	APIKey       string   `yaml:"api_key"`
	To           []string `yaml:"to"`
}

// Enabled reports whether enough is configured to send messages.
func (c SMSConfig) Enabled() bool { return c.GatewayURL != "" && len(c.To) > 0 }

// uploadResponse is what the image host returns for an upload.
type uploadResponse struct {
	URL string `json:"url"`
}

// smsRequest is the gateway payload.
type smsRequest struct {
	To       []string `json:"to"`
	Message  string   `json:"message"`
	MediaURL string   `json:"media_url,omitempty"`
}

// SMSNotifier sends the alert text (plus a hosted still) to phone numbers.
type SMSNotifier struct {
	cfg  SMSConfig
	HTTP *resty.Client
}

// NewSMSNotifier returns a notifier with its own resty client.
func NewSMSNotifier(cfg SMSConfig) *SMSNotifier {
	r := resty.New()
	r.SetTimeout(20 * time.Second)
	r.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		r.SetAuthToken(cfg.APIKey)
	}
	return &SMSNotifier{cfg: cfg, HTTP: r}
}

func (n *SMSNotifier) Name() string { return "sms" }

func (n *SMSNotifier) Notify(ctx context.Context, a Alert) error {
	var mediaURL string
	if n.cfg.ImageHostURL != "" && len(a.Image) > 0 {
		u, err := n.upload(ctx, a)
		if err != nil {
			return err
		}
		mediaURL = u
	}

	resp, err := n.HTTP.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(smsRequest{To: n.cfg.To, Message: a.Text, MediaURL: mediaURL}).
		Post(n.cfg.GatewayURL)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms gateway: %s: %s", resp.Status(), resp.String())
	}
	return nil
}

// upload posts the still to the image host and returns its public URL.
func (n *SMSNotifier) upload(ctx context.Context, a Alert) (string, error) {
	resp, err := n.HTTP.R().
		SetContext(ctx).
		SetFileReader("image", a.FeedID+".jpg", bytes.NewReader(a.Image)).
		SetResult(&uploadResponse{}).
		Post(n.cfg.ImageHostURL)
	if err != nil {
		return "", fmt.Errorf("image upload: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("image upload: %s: %s", resp.Status(), resp.String())
	}

	out, ok := resp.Result().(*uploadResponse)
	if !ok || out.URL == "" {
		return "", errors.New("image upload: response carried no url")
	}
	return out.URL, nil
}
