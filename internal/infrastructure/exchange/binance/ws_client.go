package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marginx/internal/application/port"
	"marginx/internal/infrastructure/exchange"
)

// TickerFeed Binance 合约 miniTicker 推送
type TickerFeed struct {
	wsURL     string // e.g. wss://fstream.binance.com
	converter *exchange.SymbolConverter
}

// NewTickerFeed 创建 Binance ticker feed
func NewTickerFeed(wsURL string, converter *exchange.SymbolConverter) *TickerFeed {
	if converter == nil {
		converter = exchange.NewSymbolConverter("USDT")
	}
	return &TickerFeed{
		wsURL:     strings.TrimSpace(wsURL),
		converter: converter,
	}
}

func (f *TickerFeed) Name() string { return exchange.Binance }

type binanceCombined struct {
	Stream string         `json:"stream"`
	Data   binanceMiniMsg `json:"data"`
}
type binanceMiniMsg struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

func (f *TickerFeed) Subscribe(ctx context.Context, symbols []string) (<-chan port.Tick, error) {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if sym := f.converter.Normalize(s); sym != "" {
			normalized = append(normalized, sym)
		}
	}

	wsURL, err := buildCombinedURL(f.wsURL, normalized)
	if err != nil {
		return nil, err
	}

	out := make(chan port.Tick, 1024)
	go f.run(ctx, wsURL, out)
	return out, nil
}

func buildCombinedURL(base string, symbols []string) (string, error) {
	if base == "" {
		return "", errors.New("binance ws_url empty")
	}
	if len(symbols) == 0 {
		return "", errors.New("symbols empty")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, fmt.Sprintf("%s@miniTicker", strings.ToLower(s)))
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = "/stream"
	u.RawQuery = "streams=" + strings.Join(streams, "/")
	return u.String(), nil
}

// decodeTick 解析一条 combined stream 消息
func decodeTick(b []byte) (port.Tick, bool) {
	var msg binanceCombined
	if err := json.Unmarshal(b, &msg); err != nil {
		log.Error().Str("feed", exchange.Binance).Err(err).Msg("json unmarshal failed")
		return port.Tick{}, false
	}
	sym := strings.ToUpper(msg.Data.Symbol)
	pxs := strings.TrimSpace(msg.Data.Close)
	if sym == "" || pxs == "" {
		return port.Tick{}, false
	}
	px, err := exchange.ParsePrice(pxs)
	if err != nil {
		log.Warn().Str("feed", exchange.Binance).Str("symbol", sym).Err(err).Msg("bad ticker price")
		return port.Tick{}, false
	}
	ts := msg.Data.EventTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return port.Tick{
		Exchange: exchange.Binance,
		Symbol:   sym,
		PriceStr: pxs,
		Price:    px,
		Ts:       ts,
	}, true
}

func (f *TickerFeed) run(ctx context.Context, wsURL string, out chan<- port.Tick) {
	defer close(out)

	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		log.Info().Str("feed", f.Name()).Str("url", wsURL).Msg("ws connecting")
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.DefaultDialer.DialContext(cctx, wsURL, nil)
		cancel()
		if err != nil {
			log.Error().Str("feed", f.Name()).Err(err).Msg("ws dial failed")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = 500 * time.Millisecond
		log.Info().Str("feed", f.Name()).Msg("ws connected")

		err = readLoop(ctx, conn, func(b []byte) {
			tick, ok := decodeTick(b)
			if !ok {
				return
			}
			select {
			case out <- tick:
			case <-ctx.Done():
			}
		})

		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		log.Warn().Str("feed", f.Name()).Err(err).Msg("ws disconnected, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
