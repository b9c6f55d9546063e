package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyQueued  = errors.New("receipt already queued")
	ErrNotQueued      = errors.New("receipt not in queue")
	ErrDeviceNotFound = errors.New("device not found")
	ErrQueueClosed    = errors.New("dispatch queue closed")
	ErrInvalidReceipt = errors.New("invalid receipt")
)

type Status string

const (
	StatusPrinting Status = "PRINTING"
	StatusPrinted  Status = "PRINTED"
	StatusFailed   Status = "FAILED"
	StatusRejected Status = "REJECTED"
)

// transitions lists every legal status change. Anything absent is refused.
var transitions = map[Status][]Status{
	StatusPrinting: {StatusPrinted, StatusFailed, StatusRejected},
	StatusFailed:   {StatusPrinting},
	StatusRejected: {StatusPrinting},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPrinting, StatusPrinted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusPrinted || s == StatusFailed || s == StatusRejected
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourceStatuses returns the statuses from which next may be reached.
func SourceStatuses(next Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPrinting, StatusPrinted, StatusFailed, StatusRejected} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

type ReceiptItem struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type Receipt struct {
	ID          string        `json:"receiptId"`
	Amount      float64       `json:"amount"`
	Currency    string        `json:"currency"`
	PrefixLines []string      `json:"prefixLines"`
	SuffixLines []string      `json:"suffixLines"`
	Items       []ReceiptItem `json:"receiptItems"`
}

func (r *Receipt) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: receipt id must not be empty", ErrInvalidReceipt)
	}
	for i, item := range r.Items {
		if item.Name == "" {
			return fmt.Errorf("%w: item %d has no name", ErrInvalidReceipt, i)
		}
		if item.Quantity < 0 {
			return fmt.Errorf("%w: item %d has negative quantity", ErrInvalidReceipt, i)
		}
	}
	return nil
}

// Job is a receipt together with where it came from and where it is in the
// print lifecycle. Its identity is the receipt id.
type Job struct {
	Receipt    Receipt   `json:"receipt"`
	SourceIP   string    `json:"sourceIp"`
	OperatorID string    `json:"operatorId"`
	IsFiscal   bool      `json:"fiscal"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (j *Job) ID() string {
	return j.Receipt.ID
}

// PrintingListener is told about every job that reaches a terminal status.
// Implementations must return promptly.
type PrintingListener interface {
	OnPrinted(job *Job, status Status)
}

type ListenerFunc func(job *Job, status Status)

func (f ListenerFunc) OnPrinted(job *Job, status Status) {
	f(job, status)
}

// Store is the authoritative record of every job. All transitions are
// single-row compare-and-set operations.
type Store interface {
	Register(ctx context.Context, job *Job) (string, error)
	GetByID(ctx context.Context, id string) (*Job, error)
	GetStatus(ctx context.Context, id string) (Status, error)
	GetByStatus(ctx context.Context, status Status) ([]*Job, error)
	GetBySource(ctx context.Context, sourceIP string) ([]*Job, error)
	GetByOperator(ctx context.Context, operatorID string) ([]*Job, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Finish(ctx context.Context, id string) (*Job, error)
	Fail(ctx context.Context, id string) (*Job, error)
	Requeue(ctx context.Context, id string) (*Job, error)
	Remove(ctx context.Context, id string) (*Job, error)
}
