package printer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/posprint/internal/core"
)

type Outcome string

const (
	OutcomeAccept  Outcome = "accept"
	OutcomeReject  Outcome = "reject"
	OutcomeIOError Outcome = "io_error"
)

var ErrSimulatedIO = errors.New("simulated printer i/o failure")

// FakeFactory hands out simulated printers for every source address. Each
// printed receipt is written to OutputDir as <uuid>-<receiptId>.txt.
type FakeFactory struct {
	OutputDir string
	Latency   time.Duration
	Outcome   Outcome
}

var _ core.PrinterFactory = (*FakeFactory)(nil)

func NewFakeFactory(outputDir string, latency time.Duration, outcome Outcome) (*FakeFactory, error) {
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create receipt output directory: %w", err)
		}
	}
	if outcome == "" {
		outcome = OutcomeAccept
	}
	return &FakeFactory{OutputDir: outputDir, Latency: latency, Outcome: outcome}, nil
}

func (f *FakeFactory) GetPrinter(ctx context.Context, sourceIP string) (core.ReceiptPrinter, error) {
	return &fakePrinter{factory: f}, nil
}

type fakePrinter struct {
	factory *FakeFactory
}

func (p *fakePrinter) PrintReceipt(ctx context.Context, receipt core.Receipt) (core.PrintResponse, error) {
	return p.print(ctx, receipt, false)
}

func (p *fakePrinter) PrintFiscalReceipt(ctx context.Context, receipt core.Receipt) (core.PrintResponse, error) {
	return p.print(ctx, receipt, true)
}

func (p *fakePrinter) print(ctx context.Context, receipt core.Receipt, fiscal bool) (core.PrintResponse, error) {
	f := p.factory

	if f.Latency > 0 {
		select {
		case <-ctx.Done():
			return core.PrintResponse{}, ctx.Err()
		case <-time.After(f.Latency):
		}
	}

	switch f.Outcome {
	case OutcomeIOError:
		return core.PrintResponse{}, ErrSimulatedIO
	case OutcomeReject:
		return core.NewPrintResponse(core.CodeBrokenMechanism), nil
	}

	if f.OutputDir != "" {
		name := fmt.Sprintf("%s-%s.txt", uuid.NewString(), filepath.Base(receipt.ID))
		if err := os.WriteFile(filepath.Join(f.OutputDir, name), Render(receipt, fiscal), 0644); err != nil {
			return core.PrintResponse{}, fmt.Errorf("write receipt: %w", err)
		}
	}

	if fiscal {
		return core.NewPrintResponse(core.CodeFiscalReceiptOpen), nil
	}
	return core.NewPrintResponse(core.CodeNonFiscalReceiptOpen), nil
}

func (p *fakePrinter) Close() error {
	return nil
}
