package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/config"
	"github.com/orrn/posprint/internal/core"
)

type Event string

const (
	EventReceiptPrinted  Event = "receipt_printed"
	EventReceiptFailed   Event = "receipt_failed"
	EventReceiptRejected Event = "receipt_rejected"
)

const senderWorkers = 2

func eventFor(status core.Status) Event {
	switch status {
	case core.StatusPrinted:
		return EventReceiptPrinted
	case core.StatusRejected:
		return EventReceiptRejected
	}
	return EventReceiptFailed
}

type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      ReceiptData `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type ReceiptData struct {
	ReceiptID  string  `json:"receipt_id"`
	Status     string  `json:"status"`
	SourceIP   string  `json:"source_ip"`
	OperatorID string  `json:"operator_id,omitempty"`
	Fiscal     bool    `json:"fiscal"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
}

type task struct {
	endpoint config.WebhookEndpoint
	payload  *Payload
	attempt  int
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500
}

// Sender posts a signed notification to every configured endpoint when a
// receipt reaches a terminal status. Delivery is asynchronous so OnPrinted
// never blocks the print worker; when the buffer is full the event is dropped.
type Sender struct {
	endpoints  []config.WebhookEndpoint
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	queue      chan *task
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	log        zerolog.Logger
}

var _ core.PrintingListener = (*Sender)(nil)

func NewSender(cfg config.WebhookConfig, log zerolog.Logger) *Sender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	return &Sender{
		endpoints: cfg.Endpoints,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount: cfg.RetryCount,
		retryDelay: cfg.RetryDelay,
		queue:      make(chan *task, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		log:        log.With().Str("component", "webhook").Logger(),
	}
}

func (s *Sender) Start() {
	for i := 0; i < senderWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sender) OnPrinted(job *core.Job, status core.Status) {
	event := eventFor(status)
	data := ReceiptData{
		ReceiptID:  job.ID(),
		Status:     string(status),
		SourceIP:   job.SourceIP,
		OperatorID: job.OperatorID,
		Fiscal:     job.IsFiscal,
		Amount:     job.Receipt.Amount,
		Currency:   job.Receipt.Currency,
	}

	for _, ep := range s.endpoints {
		t := &task{
			endpoint: ep,
			payload: &Payload{
				Event:     string(event),
				Timestamp: time.Now().UTC(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.log.Warn().Str("url", ep.URL).Str("event", string(event)).Msg("webhook queue full, dropping event")
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.log.Error().Err(err).Int("worker", id).Str("url", t.endpoint.URL).
					Str("event", t.payload.Event).Int("attempts", t.attempt).Msg("failed to deliver webhook")
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.send(t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.log.Debug().Err(err).Int("attempt", t.attempt).Dur("backoff", backoff).Str("url", t.endpoint.URL).Msg("retrying webhook")

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) send(ep config.WebhookEndpoint, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if ep.Secret != "" {
		payload.Signature = Sign(dataBytes, ep.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload, as sent in the
// X-Webhook-Signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
