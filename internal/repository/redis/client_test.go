package redis

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/config"
	"github.com/limiquantix/consolidator/internal/domain"
	"github.com/limiquantix/consolidator/internal/events"
)

var ts = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDecodeSamples(t *testing.T) {
	one := domain.Sample{HostID: "h1", VMID: "vm1", Timestamp: ts, Usage: domain.Resources{CPU: 1.5, Memory: 512}}
	two := domain.Sample{HostID: "h1", Timestamp: ts, Usage: domain.Resources{CPU: 3}}

	tests := []struct {
		name    string
		payload string
		want    []domain.Sample
		wantErr bool
	}{
		{
			name:    "single",
			payload: `{"host_id":"h1","vm_id":"vm1","timestamp":"2026-01-01T00:00:00Z","usage":{"cpu":1.5,"memory":512}}`,
			want:    []domain.Sample{one},
		},
		{
			name:    "batch",
			payload: ` [{"host_id":"h1","vm_id":"vm1","timestamp":"2026-01-01T00:00:00Z","usage":{"cpu":1.5,"memory":512}},{"host_id":"h1","timestamp":"2026-01-01T00:00:00Z","usage":{"cpu":3}}]`,
			want:    []domain.Sample{one, two},
		},
		{name: "garbage", payload: `cpu=3`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeSamples([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeSamples() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("samples mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// Requires a Redis listening on port 6379 of CONSOLIDATOR_TEST_REDIS_HOST.
func TestClient_PubSub(t *testing.T) {
	host := os.Getenv("CONSOLIDATOR_TEST_REDIS_HOST")
	if host == "" {
		t.Skip("CONSOLIDATOR_TEST_REDIS_HOST not set")
	}
	cfg := config.RedisConfig{Host: host, Port: 6379, TelemetryChannel: "test:telemetry", EventsChannel: "test:events"}
	c, err := NewClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []domain.Sample, 1)
	go func() {
		_ = c.SubscribeSamples(ctx, func(s []domain.Sample) int {
			got <- s
			return len(s)
		})
	}()
	time.Sleep(100 * time.Millisecond)

	payload, _ := json.Marshal(domain.Sample{HostID: "h1", Timestamp: ts})
	if err := c.client.Publish(ctx, cfg.TelemetryChannel, payload).Err(); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if len(s) != 1 || s[0].HostID != "h1" {
			t.Errorf("received %+v", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no sample received")
	}

	if err := c.Publish(ctx, events.Event{Type: events.PlanAccepted, HostID: "h1"}); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}
