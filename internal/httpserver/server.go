// Package httpserver exposes the catalog, selection, checkout and call signaling routes.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chadiek/voice-checkout/internal/catalog"
	"github.com/chadiek/voice-checkout/internal/checkout"
	"github.com/chadiek/voice-checkout/internal/config"
	"github.com/chadiek/voice-checkout/internal/llm"
	"github.com/chadiek/voice-checkout/internal/logger"
	"github.com/chadiek/voice-checkout/internal/middleware"
	"github.com/chadiek/voice-checkout/internal/rtc"
	"github.com/chadiek/voice-checkout/internal/selection"
)

// OfferHandler answers a browser's SDP offer.
type OfferHandler interface {
	HandleOffer(ctx context.Context, client string, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// ChatClient produces the assistant's reply for a typed conversation.
type ChatClient interface {
	Generate(ctx context.Context, history []llm.Message) (string, error)
}

// OrderSubmitter places checkout orders.
type OrderSubmitter interface {
	Submit(ctx context.Context, req checkout.Request) (*checkout.Order, error)
}

// Deps are the collaborators behind the routes. Nil Offers or Chat disable the route.
type Deps struct {
	Offers     OfferHandler
	Chat       ChatClient
	Checkout   OrderSubmitter
	Selections *selection.Store
	Logger     *zap.SugaredLogger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
	deps   Deps
	log    *zap.SugaredLogger
}

type serviceView struct {
	Number       int      `json:"number"`
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Highlights   []string `json:"highlights"`
	MonthlyPrice int      `json:"monthly_price"`
}

type selectionView struct {
	Client   string         `json:"client"`
	Services []string       `json:"services"`
	Quote    checkout.Quote `json:"quote"`
}

type selectionUpdate struct {
	// Either a full replacement...
	Services *[]string `json:"services,omitempty"`
	// ...or a single toggle.
	ID       string `json:"id,omitempty"`
	Selected bool   `json:"selected"`
}

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Selections == nil {
		deps.Selections = selection.NewStore(selection.DefaultTTL, deps.Logger)
	}
	if deps.Checkout == nil {
		deps.Checkout = checkout.NewService(nil, deps.Logger)
	}
	s := &Server{deps: deps, log: logger.OrNop(deps.Logger)}

	e := newRouter()
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	auth := middleware.PasswordAuth(cfg.AuthPassword)
	e.POST("/call", s.call, auth)
	e.Match([]string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch}, "/call", func(c echo.Context) error {
		return c.NoContent(http.StatusMethodNotAllowed)
	})

	api := e.Group("/api", auth)
	api.GET("/catalog", s.catalog)
	api.POST("/chat", s.chat)
	api.GET("/selection/:client", s.getSelection)
	api.PUT("/selection/:client", s.putSelection)
	api.POST("/checkout", s.checkout)

	s.Router = e
	return s
}

func (s *Server) call(c echo.Context) error {
	if s.deps.Offers == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "voice calls disabled"})
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.log.Warnf("invalid offer: %v", err)
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid offer"})
	}
	answer, err := s.deps.Offers.HandleOffer(c.Request().Context(), c.QueryParam("client"), offer)
	if errors.Is(err, rtc.ErrInvalidOffer) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if err != nil {
		s.log.Errorf("webrtc handle offer failed: %v", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not answer offer"})
	}
	return c.JSON(http.StatusOK, answer)
}

func (s *Server) catalog(c echo.Context) error {
	out := make([]serviceView, 0, len(catalog.Services))
	for _, svc := range catalog.Services {
		out = append(out, serviceView{
			Number:       svc.Number,
			ID:           svc.ID,
			Name:         svc.Name,
			Description:  svc.Description,
			Highlights:   svc.Highlights,
			MonthlyPrice: svc.MonthlyPrice,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) chat(c echo.Context) error {
	if s.deps.Chat == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "chat disabled"})
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil || len(req.Messages) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "messages required"})
	}
	reply, err := s.deps.Chat.Generate(c.Request().Context(), req.Messages)
	if err != nil {
		s.log.Errorf("chat completion failed: %v", err)
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "assistant unavailable"})
	}
	return c.JSON(http.StatusOK, chatResponse{Reply: reply})
}

func (s *Server) viewSelection(client string, ids []string) selectionView {
	if ids == nil {
		ids = []string{}
	}
	q, _ := checkout.QuoteFor(ids)
	if q.Lines == nil {
		q.Lines = []checkout.Line{}
	}
	return selectionView{Client: client, Services: ids, Quote: q}
}

func (s *Server) getSelection(c echo.Context) error {
	client := c.Param("client")
	return c.JSON(http.StatusOK, s.viewSelection(client, s.deps.Selections.Selected(client)))
}

func (s *Server) putSelection(c echo.Context) error {
	client := c.Param("client")
	var req selectionUpdate
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	var (
		ids []string
		err error
	)
	switch {
	case req.Services != nil:
		ids, err = s.deps.Selections.Replace(client, *req.Services)
	case strings.TrimSpace(req.ID) != "":
		ids, err = s.deps.Selections.Set(client, req.ID, req.Selected)
	default:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "services or id required"})
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, s.viewSelection(client, ids))
}

func (s *Server) checkout(c echo.Context) error {
	var req checkout.Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
	}
	if len(req.ServiceIDs) == 0 && req.Client != "" {
		req.ServiceIDs = s.deps.Selections.Selected(req.Client)
	}
	order, err := s.deps.Checkout.Submit(c.Request().Context(), req)
	switch {
	case errors.Is(err, checkout.ErrEmptySelection), errors.Is(err, checkout.ErrMissingCustomer), errors.Is(err, catalog.ErrUnknownService):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		s.log.Errorf("checkout failed: %v", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "could not place order"})
	}
	if req.Client != "" {
		s.deps.Selections.Clear(req.Client)
	}
	s.log.Infof("order %s placed for %s (%d services)", order.ID, order.Customer.Email, len(order.Quote.Lines))
	return c.JSON(http.StatusCreated, order)
}
