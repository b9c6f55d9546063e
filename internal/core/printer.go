package core

import (
	"context"
	"sort"
	"strings"
)

// StatusCode is a warning or status flag reported by a receipt printer after
// a print request.
type StatusCode string

const (
	CodeFiscalReceiptOpen    StatusCode = "FISCAL_RECEIPT_IS_OPEN"
	CodeNonFiscalReceiptOpen StatusCode = "NON_FISCAL_RECEIPT_IS_OPEN"
	CodeBrokenMechanism      StatusCode = "BROKEN_PRINTING_MECHANISM"
	CodeEndOfPaper           StatusCode = "END_OF_PAPER"
	CodeNearPaperEnd         StatusCode = "NEAR_PAPER_END"
	CodeCoverOpen            StatusCode = "COVER_OPEN"
	CodeHeadOverheat         StatusCode = "HEAD_OVERHEAT"
	CodeCutterError          StatusCode = "CUTTER_ERROR"
	CodeGeneralError         StatusCode = "GENERAL_ERROR"
	CodeFiscalMemoryFull     StatusCode = "FISCAL_MEMORY_FULL"
)

// PrintResponse is what a printer reports after printing a receipt.
type PrintResponse struct {
	Codes map[StatusCode]struct{}
}

func NewPrintResponse(codes ...StatusCode) PrintResponse {
	r := PrintResponse{Codes: make(map[StatusCode]struct{}, len(codes))}
	for _, c := range codes {
		r.Codes[c] = struct{}{}
	}
	return r
}

func (r PrintResponse) Has(code StatusCode) bool {
	_, ok := r.Codes[code]
	return ok
}

// Accepted reports whether the device left a receipt open, which is how the
// register signals that it took the receipt.
func (r PrintResponse) Accepted() bool {
	return r.Has(CodeFiscalReceiptOpen) || r.Has(CodeNonFiscalReceiptOpen)
}

func (r PrintResponse) String() string {
	codes := make([]string, 0, len(r.Codes))
	for c := range r.Codes {
		codes = append(codes, string(c))
	}
	sort.Strings(codes)
	return "[" + strings.Join(codes, ", ") + "]"
}

// ReceiptPrinter is one acquired printer. Close must be called exactly once
// per acquisition.
type ReceiptPrinter interface {
	PrintReceipt(ctx context.Context, receipt Receipt) (PrintResponse, error)
	PrintFiscalReceipt(ctx context.Context, receipt Receipt) (PrintResponse, error)
	Close() error
}

// PrinterFactory hands out the printer attached to a point of sale. It
// returns ErrDeviceNotFound when no device serves sourceIP.
type PrinterFactory interface {
	GetPrinter(ctx context.Context, sourceIP string) (ReceiptPrinter, error)
}

// DispatchQueue hands jobs from registration to the single print worker.
// Dequeue blocks until a job is available and returns ErrQueueClosed only
// after Close.
type DispatchQueue interface {
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context) (*Job, error)
	Close() error
}
