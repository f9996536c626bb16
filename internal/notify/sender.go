package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
)

// sendTimeout bounds one delivery attempt so a hung provider cannot
// stall the whole dispatch pass.
const sendTimeout = 15 * time.Second

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return sendWithTimeout(func() error {
		return shoutrrr.Send(url, message)
	}, sendTimeout)
}

// sendWithTimeout abandons the attempt once the deadline passes.
// Shoutrrr has no context-aware send, so on expiry the goroutine is
// left to drain into its buffered channel.
func sendWithTimeout(send func() error, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() { errc <- send() }()
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("send timed out after %s", timeout)
	}
}

// Channels holds the configured Shoutrrr destination URL per channel.
// An empty URL means the channel exists but cannot deliver.
type Channels struct {
	TelegramURL string
	EmailURL    string
}

// Channel names accepted by the dispatcher.
const (
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
)

// URLFor returns the destination URL for a channel name, empty for
// unknown or unconfigured channels.
func (c Channels) URLFor(name string) string {
	switch name {
	case ChannelTelegram:
		return c.TelegramURL
	case ChannelEmail:
		return c.EmailURL
	default:
		return ""
	}
}

// redactURL keeps only the Shoutrrr scheme so tokens never reach the
// notification log.
func redactURL(url string) string {
	if i := strings.Index(url, ":"); i > 0 {
		return url[:i]
	}
	return ""
}
