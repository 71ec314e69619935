package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speechstream/internal/config"
	"github.com/loqalabs/loqa-speechstream/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}

	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, "bus-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublishJSONRoundTrip(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	got := make(chan map[string]string, 1)
	_, err := client.QueueSubscribe("speech.test", "workers", func(msg *nats.Msg) {
		var v map[string]string
		if err := json.Unmarshal(msg.Data, &v); err == nil {
			got <- v
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON("speech.test", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case v := <-got:
		if v["text"] != "hi" {
			t.Fatalf("unexpected message %v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	client := startBus(t)
	for range 2 {
		if err := client.EnsureStream("SPEECH_DONE", []string{"speech.done"}, time.Hour); err != nil {
			t.Fatalf("ensure stream: %v", err)
		}
	}
	if err := client.PublishJSON("speech.done", map[string]bool{"completed": true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := client.JetStream().StreamInfo("SPEECH_DONE")
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 stored message, got %d", info.State.Msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
