package notify

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSendWithTimeoutReturnsSenderError(t *testing.T) {
	want := errors.New("provider said no")
	err := sendWithTimeout(func() error { return want }, time.Second)
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestSendWithTimeoutAbandonsSlowSend(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	err := sendWithTimeout(func() error {
		<-block
		return nil
	}, 10*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("telegram://token@telegram?chats=123"); got != "telegram" {
		t.Fatalf("redactURL = %q, want %q", got, "telegram")
	}
	if got := redactURL("no-scheme-here"); got != "" {
		t.Fatalf("redactURL on malformed = %q, want empty", got)
	}
}
