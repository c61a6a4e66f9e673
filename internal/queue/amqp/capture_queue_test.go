package amqp

import (
	"testing"

	"github.com/rabbitmq/amqp091-go"
)

func TestToEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		delivery   amqp091.Delivery
		wantID     string
		wantSource string
	}{
		{
			name: "message id and source header",
			delivery: amqp091.Delivery{
				MessageId:   "msg-1",
				DeliveryTag: 7,
				Headers:     amqp091.Table{"source": "email"},
				Body:        []byte(`{}`),
			},
			wantID:     "msg-1",
			wantSource: "email",
		},
		{
			name: "missing message id falls back to delivery tag",
			delivery: amqp091.Delivery{
				DeliveryTag: 42,
			},
			wantID:     "42",
			wantSource: "",
		},
		{
			name: "non-string source header ignored",
			delivery: amqp091.Delivery{
				MessageId:   "msg-2",
				DeliveryTag: 9,
				Headers:     amqp091.Table{"source": int32(3)},
			},
			wantID:     "msg-2",
			wantSource: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := toEnvelope(tt.delivery)
			if env.ID != tt.wantID {
				t.Fatalf("ID = %q, want %q", env.ID, tt.wantID)
			}
			if env.Source != tt.wantSource {
				t.Fatalf("Source = %q, want %q", env.Source, tt.wantSource)
			}
			if env.Receipt != tt.delivery.DeliveryTag {
				t.Fatalf("Receipt = %d, want %d", env.Receipt, tt.delivery.DeliveryTag)
			}
		})
	}
}
