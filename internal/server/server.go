package server

import (
	"bytes"
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"arxiv-rag/internal/rag"
)

// Service is the part of rag.Service the HTTP layer needs.
type Service interface {
	Ingest(ctx context.Context, paperIDs []string) (*rag.IngestReport, error)
	Query(ctx context.Context, req rag.QueryRequest) string
	Reset(ctx context.Context) error
	IDs(ctx context.Context) ([]string, error)
}

var _ Service = (*rag.Service)(nil)

type AskRequest struct {
	Query       string `json:"query"`
	QueryPapers *bool  `json:"query_papers"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
}

type AskResponse struct {
	Result string `json:"result"`
	HTML   string `json:"html"`
}

type AddIDsRequest struct {
	ArxivIDs []string `json:"arxiv_ids"`
}

type StatusResponse struct {
	Status string            `json:"status"`
	Error  string            `json:"error,omitempty"`
	Report *rag.IngestReport `json:"report,omitempty"`
}

type Handler struct {
	svc Service
	md  goldmark.Markdown
}

func NewHandler(svc Service) *Handler {
	return &Handler{
		svc: svc,
		md:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// New builds the echo instance with all routes registered.
func New(svc Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogMethod: true,
		LogStatus: true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Err(v.Error).Msg("request")
			return nil
		},
	}))

	InitRoutes(e, NewHandler(svc))
	return e
}

func InitRoutes(e *echo.Echo, h *Handler) {
	e.GET("/api/arxiv_ids", h.ListIDs)
	e.POST("/ask", h.Ask)
	e.POST("/add_arxiv_ids", h.AddIDs)
	e.POST("/reset_arxiv_ids", h.ResetIDs)
}

func (h *Handler) ListIDs(c echo.Context) error {
	ids, err := h.svc.IDs(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, StatusResponse{Status: "error", Error: err.Error()})
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"arxiv_ids": ids})
}

func (h *Handler) Ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Error: "invalid request body"})
	}

	queryPapers := true
	if req.QueryPapers != nil {
		queryPapers = *req.QueryPapers
	}
	answer := h.svc.Query(c.Request().Context(), rag.QueryRequest{
		Question:    req.Query,
		QueryPapers: queryPapers,
		Model:       req.Model,
		APIKey:      req.APIKey,
	})

	html, err := h.RenderAnswer(answer)
	if err != nil {
		log.Warn().Err(err).Msg("Error rendering answer")
	}
	return c.JSON(http.StatusOK, AskResponse{Result: answer, HTML: html})
}

func (h *Handler) AddIDs(c echo.Context) error {
	var req AddIDsRequest
	if err := c.Bind(&req); err != nil || len(req.ArxivIDs) == 0 {
		return c.JSON(http.StatusBadRequest, StatusResponse{Status: "error", Error: "arxiv_ids must be a non-empty list"})
	}

	report, err := h.svc.Ingest(c.Request().Context(), req.ArxivIDs)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, StatusResponse{Status: "error", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "success", Report: report})
}

func (h *Handler) ResetIDs(c echo.Context) error {
	if err := h.svc.Reset(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, StatusResponse{Status: "error", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "success"})
}

// RenderAnswer converts answer markdown to HTML. Raw HTML in the answer is
// dropped; fenced code blocks keep their language class.
func (h *Handler) RenderAnswer(answer string) (string, error) {
	var buf bytes.Buffer
	if err := h.md.Convert([]byte(answer), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
