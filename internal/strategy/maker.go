// Package strategy implements the market-making control loop: order
// lifecycle state machine, inventory-skewed sizing, depth-based re-quoting,
// and personal-trade reconciliation against local position.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"deribit-mm/internal/book"
	"deribit-mm/internal/metrics"
)

// dec renders a price or quantity as an exact JSON number, so a value like
// 99.0 is sent as 99 rather than a float64's closest binary approximation
// (which the venue's matching engine would reject or misprice on fields it
// parses as fixed-point). decimal produces the shortest exact digits;
// json.Number keeps them an unquoted number on the wire.
func dec(v float64) json.Number {
	return json.Number(decimal.NewFromFloat(v).String())
}

// sender is the subset of *session.Session a Maker needs to drive the
// venue connection.
type sender interface {
	Send(method string) error
	SendParams(method string, params any) error
	Subscribe(channels []string) error
}

// Params configures a Maker's instrument, depth bands, and risk limits.
type Params struct {
	Instrument     string
	Frequency      string // defaults to "raw" if empty
	MinDepth       float64
	MidDepth       float64
	MaxDepth       float64
	OrderAmount    float64
	MaxPositionUSD float64

	// Metrics is optional; when nil, the Maker records nothing.
	Metrics *metrics.Metrics
}

// Maker is the subscription-driven market-making strategy: it owns the book
// replica, the buy/sell order state, and the running position, and reacts
// to session.Handler callbacks by emitting further JSON-RPC requests.
type Maker struct {
	sender sender
	log    *slog.Logger
	params Params
	mx     *metrics.Metrics

	bookChannel    string
	changesChannel string

	book            *book.Book
	buyOrder        Order
	sellOrder       Order
	positionUSD     float64
	positionUnknown bool
}

// NewMaker constructs a Maker and immediately issues its startup sequence:
// seed the position, check clock skew, arm the heartbeat, and subscribe to
// the book and personal-trade channels.
func NewMaker(s sender, params Params, log *slog.Logger) (*Maker, error) {
	freq := params.Frequency
	if freq == "" {
		freq = "raw"
	}

	m := &Maker{
		sender:          s,
		log:             log,
		params:          params,
		mx:              params.Metrics,
		bookChannel:     fmt.Sprintf("book.%s.%s", params.Instrument, freq),
		changesChannel:  fmt.Sprintf("user.changes.%s.%s", params.Instrument, freq),
		book:            book.New(),
		positionUnknown: true,
	}

	if err := s.SendParams("private/get_position", map[string]any{"instrument_name": params.Instrument}); err != nil {
		return nil, fmt.Errorf("strategy: get_position: %w", err)
	}
	if err := s.Send("public/get_time"); err != nil {
		return nil, fmt.Errorf("strategy: get_time: %w", err)
	}
	if err := s.SendParams("public/set_heartbeat", map[string]any{"interval": 10}); err != nil {
		return nil, fmt.Errorf("strategy: set_heartbeat: %w", err)
	}
	if err := s.Subscribe([]string{m.bookChannel, m.changesChannel}); err != nil {
		return nil, fmt.Errorf("strategy: subscribe: %w", err)
	}

	return m, nil
}

type subscriptionParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type heartbeatParams struct {
	Type string `json:"type"`
}

// OnNotification implements session.Handler.
func (m *Maker) OnNotification(method string, params json.RawMessage) error {
	switch method {
	case "subscription":
		var sub subscriptionParams
		if err := json.Unmarshal(params, &sub); err != nil {
			return fmt.Errorf("strategy: decode subscription: %w", err)
		}
		return m.onSubscription(sub.Channel, sub.Data)

	case "heartbeat":
		var hb heartbeatParams
		if err := json.Unmarshal(params, &hb); err != nil {
			return fmt.Errorf("strategy: decode heartbeat: %w", err)
		}
		if hb.Type == "test_request" {
			if err := m.sender.Send("public/test"); err != nil {
				return err
			}
			return m.sender.Send("public/get_time")
		}
		return nil

	default:
		return nil
	}
}

func (m *Maker) onSubscription(channel string, data json.RawMessage) error {
	switch channel {
	case m.bookChannel:
		return m.onBookUpdate(data)
	case m.changesChannel:
		return m.onChanges(data)
	default:
		return nil
	}
}

func (m *Maker) onBookUpdate(data json.RawMessage) error {
	var u book.Update
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("strategy: decode book update: %w", err)
	}
	if err := m.book.Update(u); err != nil {
		var gap *book.ErrSequenceGap
		if errors.As(err, &gap) && m.mx != nil {
			m.mx.SequenceGaps.Inc()
		}
		return err
	}

	if m.positionUnknown {
		return nil
	}

	if err := m.updateBuy(); err != nil {
		return err
	}
	return m.updateSell()
}

func (m *Maker) updateBuy() error {
	p := m.params

	if !m.buyOrder.Live() {
		if m.buyOrder.Wait {
			return nil
		}
		buyPrice, ok := m.book.Bids.PriceDepth(p.MidDepth)
		if !ok {
			return nil
		}
		if m.positionUSD >= p.MaxPositionUSD || buyPrice <= 0 {
			return nil
		}

		qty := sizeBuy(m.positionUSD, p.OrderAmount, p.MaxPositionUSD)
		if err := m.sender.SendParams("private/buy", map[string]any{
			"instrument_name": p.Instrument,
			"amount":          dec(qty),
			"type":            "limit",
			"label":           "buy_" + p.Instrument,
			"price":           dec(buyPrice),
			"post_only":       "true",
		}); err != nil {
			return err
		}
		m.incQuoteUpdate("buy", "place")
		m.buyOrder.Price = buyPrice
		m.buyOrder.Quantity = qty
		m.buyOrder.Wait = true
		return nil
	}

	buyPrice, okMid := m.book.Bids.PriceDepthExcluding(p.MidDepth, m.buyOrder.Price, m.buyOrder.Quantity)
	minBuyPrice, okMax := m.book.Bids.PriceDepthExcluding(p.MaxDepth, m.buyOrder.Price, m.buyOrder.Quantity)
	maxBuyPrice, okMin := m.book.Bids.PriceDepthExcluding(p.MinDepth, m.buyOrder.Price, m.buyOrder.Quantity)
	if !okMid || !okMax || !okMin {
		// The ladder is too thin to price the bands; leave the order alone.
		return nil
	}

	if m.buyOrder.Price > maxBuyPrice || m.buyOrder.Price < minBuyPrice {
		qty := sizeBuy(m.positionUSD, p.OrderAmount, p.MaxPositionUSD)
		if err := m.sender.SendParams("private/edit", map[string]any{
			"order_id": m.buyOrder.ID,
			"amount":   dec(qty),
			"price":    dec(buyPrice),
		}); err != nil {
			return err
		}
		m.incQuoteUpdate("buy", "edit")
		m.buyOrder.Price = buyPrice
		m.buyOrder.Quantity = qty
	}
	return nil
}

func (m *Maker) updateSell() error {
	p := m.params

	if !m.sellOrder.Live() {
		if m.sellOrder.Wait {
			return nil
		}
		sellPrice, ok := m.book.Asks.PriceDepth(p.MidDepth)
		if !ok {
			return nil
		}
		if m.positionUSD <= -p.MaxPositionUSD || sellPrice <= 0 {
			return nil
		}

		qty := sizeSell(m.positionUSD, p.OrderAmount, p.MaxPositionUSD)
		if err := m.sender.SendParams("private/sell", map[string]any{
			"instrument_name": p.Instrument,
			"amount":          dec(qty),
			"type":            "limit",
			"label":           "sell_" + p.Instrument,
			"price":           dec(sellPrice),
			"post_only":       "true",
		}); err != nil {
			return err
		}
		m.incQuoteUpdate("sell", "place")
		m.sellOrder.Price = sellPrice
		m.sellOrder.Quantity = qty
		m.sellOrder.Wait = true
		return nil
	}

	sellPrice, okMid := m.book.Asks.PriceDepthExcluding(p.MidDepth, m.sellOrder.Price, m.sellOrder.Quantity)
	maxSellPrice, okMax := m.book.Asks.PriceDepthExcluding(p.MaxDepth, m.sellOrder.Price, m.sellOrder.Quantity)
	minSellPrice, okMin := m.book.Asks.PriceDepthExcluding(p.MinDepth, m.sellOrder.Price, m.sellOrder.Quantity)
	if !okMid || !okMax || !okMin {
		return nil
	}

	if m.sellOrder.Price > maxSellPrice || m.sellOrder.Price < minSellPrice {
		qty := sizeSell(m.positionUSD, p.OrderAmount, p.MaxPositionUSD)
		if err := m.sender.SendParams("private/edit", map[string]any{
			"order_id": m.sellOrder.ID,
			"amount":   dec(qty),
			"price":    dec(sellPrice),
		}); err != nil {
			return err
		}
		m.incQuoteUpdate("sell", "edit")
		m.sellOrder.Price = sellPrice
		m.sellOrder.Quantity = qty
	}
	return nil
}

// incQuoteUpdate records a quote placement or edit, if metrics are enabled.
func (m *Maker) incQuoteUpdate(side, action string) {
	if m.mx != nil {
		m.mx.QuoteUpdates.WithLabelValues(side, action).Inc()
	}
}

type trade struct {
	Direction string  `json:"direction"`
	State     string  `json:"state"`
	Amount    float64 `json:"amount"`
}

type changesData struct {
	Trades []trade `json:"trades"`
}

func (m *Maker) onChanges(data json.RawMessage) error {
	var c changesData
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("strategy: decode changes: %w", err)
	}

	for _, tr := range c.Trades {
		switch tr.State {
		case "filled":
			switch tr.Direction {
			case "buy":
				m.log.Info("buy order filled", "amount", tr.Amount)
				m.positionUSD += tr.Amount
				m.buyOrder.ID = ""
				m.buyOrder.Wait = false
				if m.mx != nil {
					m.mx.Fills.WithLabelValues("buy").Inc()
				}
			case "sell":
				m.log.Info("sell order filled", "amount", tr.Amount)
				m.positionUSD -= tr.Amount
				m.sellOrder.ID = ""
				m.sellOrder.Wait = false
				if m.mx != nil {
					m.mx.Fills.WithLabelValues("sell").Inc()
				}
			default:
				return &ErrInvalidDirection{Direction: tr.Direction}
			}

		case "open":
			switch tr.Direction {
			case "buy":
				m.log.Info("buy order partially filled", "amount", tr.Amount)
				m.positionUSD += tr.Amount
			case "sell":
				m.log.Info("sell order partially filled", "amount", tr.Amount)
				m.positionUSD -= tr.Amount
			default:
				return &ErrInvalidDirection{Direction: tr.Direction}
			}

		default:
			return &ErrUnexpectedState{State: tr.State}
		}
	}
	if m.mx != nil {
		m.mx.PositionUSD.Set(m.positionUSD)
	}
	return nil
}

type orderResult struct {
	Order struct {
		OrderID   string `json:"order_id"`
		Direction string `json:"direction"`
	} `json:"order"`
}

type positionResult struct {
	InstrumentName string  `json:"instrument_name"`
	Size           float64 `json:"size"`
}

// OnResponse implements session.Handler.
func (m *Maker) OnResponse(method string, params json.RawMessage, result json.RawMessage) error {
	switch method {
	case "private/edit":
		var r orderResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("strategy: decode edit result: %w", err)
		}
		switch {
		case r.Order.OrderID == m.buyOrder.ID && m.buyOrder.Live():
			if r.Order.Direction != "buy" {
				return &ErrInvalidDirection{Direction: r.Order.Direction}
			}
		case r.Order.OrderID == m.sellOrder.ID && m.sellOrder.Live():
			if r.Order.Direction != "sell" {
				return &ErrInvalidDirection{Direction: r.Order.Direction}
			}
		}
		return nil

	case "private/buy":
		var r orderResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("strategy: decode buy result: %w", err)
		}
		m.buyOrder.ID = r.Order.OrderID
		m.buyOrder.Wait = false
		m.log.Info("received buy order confirmation", "order_id", r.Order.OrderID)
		return nil

	case "private/sell":
		var r orderResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("strategy: decode sell result: %w", err)
		}
		m.sellOrder.ID = r.Order.OrderID
		m.sellOrder.Wait = false
		m.log.Info("received sell order confirmation", "order_id", r.Order.OrderID)
		return nil

	case "private/get_position":
		var r positionResult
		if err := json.Unmarshal(result, &r); err != nil {
			return fmt.Errorf("strategy: decode get_position result: %w", err)
		}
		if m.positionUnknown {
			m.positionUSD = r.Size
			m.positionUnknown = false
			m.log.Info("initial position", "position_usd", m.positionUSD)
			if m.mx != nil {
				m.mx.PositionUSD.Set(m.positionUSD)
			}
			return nil
		}
		if m.positionUSD != r.Size {
			return &ErrPositionMismatch{Local: m.positionUSD, Server: r.Size}
		}
		return nil

	case "public/get_time":
		var serverMillis int64
		if err := json.Unmarshal(result, &serverMillis); err != nil {
			return fmt.Errorf("strategy: decode get_time result: %w", err)
		}
		systemMillis := time.Now().UnixMilli()
		m.log.Info("clock skew check", "system_ms", systemMillis, "server_ms", serverMillis,
			"skew_ms", systemMillis-serverMillis)
		return nil

	default:
		return nil
	}
}

type editParams struct {
	OrderID string `json:"order_id"`
}

// OnError implements session.Handler.
func (m *Maker) OnError(method string, params json.RawMessage, code int, message string) error {
	switch code {
	case 11044, 10010:
		var p editParams
		if err := json.Unmarshal(params, &p); err != nil {
			return fmt.Errorf("strategy: decode error request params: %w", err)
		}
		m.log.Info("order closure acknowledged", "code", code, "message", message, "order_id", p.OrderID)
		switch p.OrderID {
		case m.buyOrder.ID:
			m.buyOrder.ID = ""
			m.buyOrder.Wait = false
		case m.sellOrder.ID:
			m.sellOrder.ID = ""
			m.sellOrder.Wait = false
		}
		return nil

	case 13777:
		return nil

	default:
		return &ErrUnexpectedError{Method: method, Code: code, Message: message}
	}
}
