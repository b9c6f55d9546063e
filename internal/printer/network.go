package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/posprint/internal/config"
	"github.com/orrn/posprint/internal/core"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidStatus    = errors.New("invalid status response")
)

const (
	defaultTCPPort          = 9100
	statusCommand           = "\x1b!?"
	statusResponseLength    = 4
	defaultReadWriteTimeout = 10 * time.Second
	formFeed                = "\x0c"
)

// Status reply layout: [state, warning, error, media error].
var printerStateMap = map[byte]string{
	'@': "normal",
	'F': "feeding",
	'P': "paused",
	'E': "error",
	'H': "head_open",
	'S': "standby",
	'I': "idle",
}

var warningMap = map[byte]core.StatusCode{
	'A': core.CodeNearPaperEnd,
}

var errorMap = map[byte]core.StatusCode{
	'A': core.CodeHeadOverheat,
	'B': core.CodeHeadOverheat,
	'C': core.CodeHeadOverheat,
	'D': core.CodeBrokenMechanism,
	'E': core.CodeCutterError,
	'F': core.CodeGeneralError,
}

var mediaErrorMap = map[byte]core.StatusCode{
	'A': core.CodeEndOfPaper,
	'C': core.CodeEndOfPaper,
	'D': core.CodeGeneralError,
	'`': core.CodeCoverOpen,
}

// NetworkFactory resolves the originating terminal to a raw TCP line printer
// through the configured device table.
type NetworkFactory struct {
	devices map[string]string
	timeout time.Duration
	log     zerolog.Logger
}

var _ core.PrinterFactory = (*NetworkFactory)(nil)

func NewNetworkFactory(cfg config.PrintersConfig, log zerolog.Logger) *NetworkFactory {
	timeout := cfg.ConnectionTimeout
	if timeout == 0 {
		timeout = defaultReadWriteTimeout
	}
	devices := make(map[string]string, len(cfg.Devices))
	for ip, addr := range cfg.Devices {
		devices[ip] = addr
	}
	return &NetworkFactory{
		devices: devices,
		timeout: timeout,
		log:     log.With().Str("component", "network_printer").Logger(),
	}
}

func (f *NetworkFactory) GetPrinter(ctx context.Context, sourceIP string) (core.ReceiptPrinter, error) {
	address, ok := f.devices[sourceIP]
	if !ok {
		return nil, fmt.Errorf("%w: no printer mapped to %s", core.ErrDeviceNotFound, sourceIP)
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(defaultTCPPort))
	}

	dialer := net.Dialer{Timeout: f.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	f.log.Debug().Str("source_ip", sourceIP).Str("address", address).Msg("Connected to printer")
	return &networkPrinter{conn: conn, timeout: f.timeout}, nil
}

type networkPrinter struct {
	conn    net.Conn
	timeout time.Duration
}

func (p *networkPrinter) PrintReceipt(ctx context.Context, receipt core.Receipt) (core.PrintResponse, error) {
	return p.print(ctx, receipt, false)
}

func (p *networkPrinter) PrintFiscalReceipt(ctx context.Context, receipt core.Receipt) (core.PrintResponse, error) {
	return p.print(ctx, receipt, true)
}

func (p *networkPrinter) print(ctx context.Context, receipt core.Receipt, fiscal bool) (core.PrintResponse, error) {
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = p.conn.SetDeadline(deadline)

	payload := append(Render(receipt, fiscal), formFeed...)
	if _, err := p.conn.Write(payload); err != nil {
		return core.PrintResponse{}, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if _, err := p.conn.Write([]byte(statusCommand)); err != nil {
		return core.PrintResponse{}, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	response := make([]byte, statusResponseLength)
	if _, err := io.ReadFull(p.conn, response); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return core.PrintResponse{}, ErrInvalidStatus
		}
		return core.PrintResponse{}, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	return parseStatus(response, fiscal), nil
}

// parseStatus turns the 4-byte status reply into register codes. The
// receipt-open code is only reported when the device is in a printable state
// and reports no error or media fault.
func parseStatus(response []byte, fiscal bool) core.PrintResponse {
	var codes []core.StatusCode
	faulted := false

	state, known := printerStateMap[response[0]]
	switch {
	case !known, state == "error":
		codes = append(codes, core.CodeGeneralError)
		faulted = true
	case state == "head_open":
		codes = append(codes, core.CodeCoverOpen)
		faulted = true
	}
	if code, ok := warningMap[response[1]]; ok {
		codes = append(codes, code)
	}
	if code, ok := errorMap[response[2]]; ok {
		codes = append(codes, code)
		faulted = true
	}
	if code, ok := mediaErrorMap[response[3]]; ok {
		codes = append(codes, code)
		faulted = true
	}

	printable := state == "normal" || state == "standby" || state == "idle" || state == "feeding"
	if printable && !faulted {
		if fiscal {
			codes = append(codes, core.CodeFiscalReceiptOpen)
		} else {
			codes = append(codes, core.CodeNonFiscalReceiptOpen)
		}
	}
	return core.NewPrintResponse(codes...)
}

func (p *networkPrinter) Close() error {
	return p.conn.Close()
}
