package scanner

import (
	"fmt"
	"strings"
	"time"

	"marginx/internal/domain/model"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct{}

func NewFormatter() *Formatter {
	return &Formatter{}
}

// Live 单行扫描状态，覆盖上一行
func (f *Formatter) Live(r *Report) string {
	var sb strings.Builder
	sb.WriteString("\r")
	sb.WriteString(colorize("[MARGINX] ", ansiDim))
	sb.WriteString(r.At.Format("15:04:05"))
	fmt.Fprintf(&sb, " symbols=%d positions=%d", r.Symbols, r.Positions)

	closed := fmt.Sprintf("closed=%d", r.Closed)
	if r.Closed > 0 {
		closed = colorize(closed, ansiYellow)
	}
	sb.WriteString(" ")
	sb.WriteString(closed)

	if r.Failed > 0 {
		sb.WriteString(" ")
		sb.WriteString(colorize(fmt.Sprintf("failed=%d", r.Failed), ansiRed))
	}
	if len(r.Skipped) > 0 {
		sb.WriteString(" ")
		sb.WriteString(colorize("skipped="+strings.Join(r.Skipped, ","), ansiRed))
	}
	fmt.Fprintf(&sb, " %s", r.Duration.Round(time.Millisecond))
	sb.WriteString(ansiClearEOL)
	return sb.String()
}

// Closes 每个成功平仓一行
func (f *Formatter) Closes(r *Report) []string {
	var lines []string
	for _, res := range r.Closes {
		if res.Settlement == nil {
			continue
		}
		s := res.Settlement
		pnl := s.Pnl.StringFixed(2)
		if s.Pnl.IsNegative() {
			pnl = colorize(pnl, ansiRed)
		} else {
			pnl = colorize("+"+pnl, ansiGreen)
		}
		line := fmt.Sprintf("%s %s %s @ %s pnl=%s settled=%s",
			s.Symbol, reasonLabel(s.Reason), shortID(s.PositionID), s.ExitPrice, pnl, s.Amount.StringFixed(2))
		if s.Shortfall.IsPositive() {
			line += colorize(" shortfall="+s.Shortfall.StringFixed(2), ansiRed)
		}
		lines = append(lines, line)
	}
	return lines
}

func reasonLabel(r model.ExitReason) string {
	switch r {
	case model.ReasonLiquidation:
		return colorize("LIQ", ansiRed)
	case model.ReasonTakeProfit:
		return colorize("TP", ansiGreen)
	case model.ReasonStopLoss:
		return colorize("SL", ansiYellow)
	default:
		return "CLOSE"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
