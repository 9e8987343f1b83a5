package port

import (
	"context"
	"time"

	"marginx/internal/domain/model"
)

type Sink interface {
	// Live line: overwrite last line (no newline)
	WriteLive(line string) error
	// Snapshot line: append a historical line with timestamp
	WriteSnapshot(ts time.Time, line string) error
	// Normal newline (for logs)
	NewLine() error
}

// SettlementPublisher 结算事件下游（redis stream / console），在结算提交之后调用
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, s *model.Settlement) error
}
