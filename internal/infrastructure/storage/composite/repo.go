package composite

import (
	"context"

	"marginx/internal/application/port"
	"marginx/internal/domain/model"
)

// Publisher 结算事件扇出到多个下游
type Publisher struct {
	pubs []port.SettlementPublisher
}

func New(pubs ...port.SettlementPublisher) *Publisher {
	// nil publishers are allowed; filter in constructor for safety
	out := make([]port.SettlementPublisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Publisher{pubs: out}
}

func (p *Publisher) Len() int { return len(p.pubs) }

func (p *Publisher) PublishSettlement(ctx context.Context, s *model.Settlement) error {
	var firstErr error
	for _, pub := range p.pubs {
		if err := pub.PublishSettlement(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.SettlementPublisher = (*Publisher)(nil)
