package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

// Sink 终端输出：扫描状态行 + 结算事件
type Sink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewSink() *Sink { return &Sink{out: os.Stdout} }

// NewSinkTo 写到指定 writer（测试用）
func NewSinkTo(w io.Writer) *Sink { return &Sink{out: w} }

func (s *Sink) WriteLive(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.out, line) // no newline
	return err
}

// 打印快照行后留一个空行占位，不立刻重画 live，等下一次扫描刷新
func (s *Sink) WriteSnapshot(ts time.Time, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "\n%s %s\n\n", ts.Format("2006-01-02 15:04:05"), line)
	return err
}

func (s *Sink) NewLine() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprint(s.out, "\n")
	return err
}

// PublishSettlement 手动平仓打印为快照行；扫描触发的平仓由 scanner 自己输出
func (s *Sink) PublishSettlement(_ context.Context, st *model.Settlement) error {
	if st.Reason != model.ReasonManualClose {
		return nil
	}
	line := fmt.Sprintf("SETTLED %s %s %s exit=%s pnl=%s credited=%s",
		st.Symbol, st.PositionID, st.Reason,
		st.ExitPrice.String(), st.Pnl.StringFixed(4), st.Amount.StringFixed(4))
	if st.Shortfall.IsPositive() {
		line += " shortfall=" + st.Shortfall.StringFixed(4)
	}
	return s.WriteSnapshot(st.ClosedAt, line)
}

var (
	_ port.Sink                = (*Sink)(nil)
	_ port.SettlementPublisher = (*Sink)(nil)
)
