// Package checkout prices a selection and records the resulting order.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/catalog"
	"github.com/chadiek/voice-checkout/internal/logger"
)

// TaxRate is applied to the monthly subtotal.
const TaxRate = 0.10

var (
	ErrEmptySelection  = errors.New("no services selected")
	ErrMissingCustomer = errors.New("customer name and email are required")
)

type Line struct {
	Number       int    `json:"number"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	MonthlyPrice int    `json:"monthly_price"`
}

type Quote struct {
	Lines    []Line  `json:"lines"`
	Subtotal int     `json:"subtotal"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

// QuoteFor prices the given service ids in catalog order.
func QuoteFor(ids []string) (Quote, error) {
	if len(ids) == 0 {
		return Quote{}, ErrEmptySelection
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := catalog.ByID(id); !ok {
			return Quote{}, fmt.Errorf("%w: %q", catalog.ErrUnknownService, id)
		}
		want[id] = true
	}
	var q Quote
	for _, svc := range catalog.Services {
		if !want[svc.ID] {
			continue
		}
		q.Lines = append(q.Lines, Line{Number: svc.Number, ID: svc.ID, Name: svc.Name, MonthlyPrice: svc.MonthlyPrice})
		q.Subtotal += svc.MonthlyPrice
	}
	q.Tax = float64(q.Subtotal) * TaxRate
	q.Total = float64(q.Subtotal) + q.Tax
	return q, nil
}

// OrderID is "NX" followed by the last eight digits of the unix millisecond timestamp.
func OrderID(now time.Time) string {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	if len(ms) > 8 {
		ms = ms[len(ms)-8:]
	}
	return "NX" + ms
}

type Customer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

type Request struct {
	Client     string   `json:"client"`
	ServiceIDs []string `json:"service_ids"`
	Customer   Customer `json:"customer"`
}

type Order struct {
	ID        string    `json:"id"`
	Client    string    `json:"client,omitempty"`
	Customer  Customer  `json:"customer"`
	Quote     Quote     `json:"quote"`
	CreatedAt time.Time `json:"created_at"`
}

// Storage persists order documents.
type Storage interface {
	Upload(key, contentType string, data []byte) error
}

type Service struct {
	store Storage
	now   func() time.Time
	log   *zap.SugaredLogger
}

// NewService builds a checkout service. A nil store keeps orders in memory only.
func NewService(store Storage, log *zap.SugaredLogger) *Service {
	return &Service{store: store, now: time.Now, log: logger.OrNop(log)}
}

// Submit validates the request, prices it and stores the order as orders/<id>.json.
func (s *Service) Submit(ctx context.Context, req Request) (*Order, error) {
	if strings.TrimSpace(req.Customer.Name) == "" || strings.TrimSpace(req.Customer.Email) == "" {
		return nil, ErrMissingCustomer
	}
	quote, err := QuoteFor(req.ServiceIDs)
	if err != nil {
		return nil, err
	}
	now := s.now()
	order := &Order{
		ID:        OrderID(now),
		Client:    req.Client,
		Customer:  req.Customer,
		Quote:     quote,
		CreatedAt: now.UTC(),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.store == nil {
		s.log.Warnf("order %s not stored: no storage configured", order.ID)
		return order, nil
	}
	body, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	key := "orders/" + order.ID + ".json"
	if err := s.store.Upload(key, "application/json", body); err != nil {
		return nil, fmt.Errorf("store order %s: %w", order.ID, err)
	}
	s.log.Infof("order %s stored (%d services, total %.2f)", order.ID, len(quote.Lines), quote.Total)
	return order, nil
}
