// sentiric-voice-orchestrator/internal/queue/rabbitmq.go
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	ExchangeName   = "sentiric_events"
	orchestratorQ  = "sentiric.voice_orchestrator.events"
	connectRetries = 10
	connectDelay   = 5 * time.Second
)

type Publisher struct {
	ch  *amqp091.Channel
	log zerolog.Logger
}

func NewPublisher(ch *amqp091.Channel, log zerolog.Logger) *Publisher {
	return &Publisher{ch: ch, log: log}
}

func (p *Publisher) PublishJSON(ctx context.Context, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.log.Error().Err(err).Msg("Mesaj JSON'a çevrilemedi.")
		return err
	}

	p.log.Debug().Str("routing_key", routingKey).Bytes("payload", jsonBody).Msg("RabbitMQ'ya olay yayınlanıyor...")

	err = p.ch.PublishWithContext(
		ctx,
		ExchangeName,
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         jsonBody,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		p.log.Error().Err(err).Str("routing_key", routingKey).Msg("RabbitMQ'ya mesaj yayınlanamadı.")
		return err
	}
	return nil
}

// Connect, RabbitMQ'ya yeniden deneme ile bağlanır ve bir kanal ile bağlantı
// kapanma bildirim kanalını döner.
func Connect(ctx context.Context, url string, log zerolog.Logger) (*amqp091.Channel, <-chan *amqp091.Error, error) {
	var conn *amqp091.Connection
	var err error

	config := amqp091.Config{
		Heartbeat: 60 * time.Second,
		Locale:    "en_US",
	}

	for i := 0; i < connectRetries; i++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		conn, err = amqp091.DialConfig(url, config)
		if err == nil {
			log.Info().Msg("RabbitMQ bağlantısı başarılı.")
			ch, chErr := conn.Channel()
			if chErr != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("RabbitMQ kanalı oluşturulamadı: %w", chErr)
			}
			if exErr := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); exErr != nil {
				conn.Close()
				return nil, nil, fmt.Errorf("exchange deklare edilemedi: %w", exErr)
			}
			closeChan := make(chan *amqp091.Error, 1)
			conn.NotifyClose(closeChan)
			return ch, closeChan, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", connectRetries).Msg("RabbitMQ'ya bağlanılamadı, 5 saniye sonra tekrar denenecek...")

		select {
		case <-time.After(connectDelay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, fmt.Errorf("maksimum deneme (%d) sonrası RabbitMQ'ya bağlanılamadı: %w", connectRetries, err)
}

// StartConsumer, kalıcı orkestratör kuyruğunu yalnızca routingKeys ile
// exchange'e bağlar ve ctx iptal edilene kadar mesajları handlerFunc'a iletir.
// Yayınladığımız rapor olayları aynı exchange'e gittiği için "#" ile
// bağlanılmaz.
func StartConsumer(ctx context.Context, ch *amqp091.Channel, routingKeys []string, handlerFunc func([]byte), log zerolog.Logger, wg *sync.WaitGroup) error {
	q, err := ch.QueueDeclare(orchestratorQ, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("kalıcı orkestratör kuyruğu oluşturulamadı: %w", err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("kuyruk %q anahtarı ile exchange'e bağlanamadı: %w", key, err)
		}
	}
	log.Info().Str("queue", q.Name).Str("exchange", ExchangeName).Strs("routing_keys", routingKeys).Msg("Kalıcı kuyruk başarıyla exchange'e bağlandı.")

	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("QoS ayarı yapılamadı: %w", err)
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("mesajlar tüketilemedi: %w", err)
	}

	log.Info().Str("queue", q.Name).Msg("Kuyruk dinleniyor, mesajlar bekleniyor...")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Tüketici döngüsü durduruluyor, yeni mesajlar alınmayacak.")
			return nil
		case d, ok := <-msgs:
			if !ok {
				log.Info().Msg("RabbitMQ mesaj kanalı kapandı.")
				return nil
			}
			wg.Add(1)
			go func(msg amqp091.Delivery) {
				defer wg.Done()
				handlerFunc(msg.Body)
				_ = msg.Ack(false)
			}(d)
		}
	}
}
