package printer

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/orrn/posprint/internal/core"
)

const (
	lineWidth = 42
	// Below this the label goes on its own line above the value.
	minLabelWidth = 8
)

// Render lays a receipt out as plain text lines for a line printer.
func Render(r core.Receipt, fiscal bool) []byte {
	var b bytes.Buffer

	for _, l := range r.PrefixLines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	if fiscal {
		b.WriteString(center("FISCAL RECEIPT"))
	} else {
		b.WriteString(center("RECEIPT"))
	}
	b.WriteString(strings.Repeat("-", lineWidth) + "\r\n")

	for _, item := range r.Items {
		b.WriteString(columns(item.Name, fmt.Sprintf("%.2f", item.Price*item.Quantity)))
		b.WriteString(fmt.Sprintf("  %g x %.2f\r\n", item.Quantity, item.Price))
	}

	b.WriteString(strings.Repeat("-", lineWidth) + "\r\n")
	b.WriteString(columns("TOTAL", fmt.Sprintf("%.2f %s", r.Amount, r.Currency)))

	for _, l := range r.SuffixLines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

// columns puts label on the left and value flush right. Widths are counted
// in runes.
func columns(label, value string) string {
	width := lineWidth - utf8.RuneCountInString(value) - 1
	if width < minLabelWidth {
		return truncate(label, lineWidth) + "\r\n" + fmt.Sprintf("%*s\r\n", lineWidth, value)
	}
	return fmt.Sprintf("%-*s %s\r\n", width, truncate(label, width), value)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func center(s string) string {
	pad := (lineWidth - utf8.RuneCountInString(s)) / 2
	if pad < 0 {
		pad = 0
	}
	return strings.Repeat(" ", pad) + s + "\r\n"
}
