package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	"github.com/fyrsmithlabs/fixplan/internal/knowledge"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
	"github.com/fyrsmithlabs/fixplan/internal/review"
	"github.com/fyrsmithlabs/fixplan/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultMatches  = 5
	maxMatches      = 50
)

func badRequest(op, format string, args ...any) error {
	return plan.Errorf(plan.CodeValidation, op, format, args...)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if s.tel != nil {
		th := s.tel.Health()
		resp.Telemetry = &th
	}
	if s.health == nil {
		return c.JSON(http.StatusOK, resp)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.health.Ping(ctx); err != nil {
		resp.Status, resp.Store = "degraded", err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	resp.Store = "ok"
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("http.submit", "invalid request body")
	}
	p, err := s.svc.Submit(c.Request().Context(), &req.Submission, actorOf(c), engine.SubmitOptions{Draft: req.Draft, Source: "api"})
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/plans/"+p.ID)
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleUpdateDraft(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("http.update", "invalid request body")
	}
	p, err := s.svc.UpdateDraft(c.Request().Context(), c.Param("id"), &req.Submission, actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleSubmitDraft(c echo.Context) error {
	p, err := s.svc.SubmitDraft(c.Request().Context(), c.Param("id"), actorOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, p)
}

func (s *Server) handleGet(c echo.Context) error {
	p, err := s.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleAudit(c echo.Context) error {
	trail, err := s.svc.Audit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, trail)
}

func (s *Server) handleList(c echo.Context) error {
	const op = "http.list"
	var f store.ListFilter
	if raw := c.QueryParam("status"); raw != "" {
		st, err := plan.ParseStatus(raw)
		if err != nil {
			return badRequest(op, "%v", err)
		}
		f.Status = st
	}
	var err error
	if f.Limit, err = intParam(c, "limit", defaultPageSize, maxPageSize); err != nil {
		return badRequest(op, "%v", err)
	}
	if f.Offset, err = intParam(c, "offset", 0, -1); err != nil {
		return badRequest(op, "%v", err)
	}
	plans, err := s.svc.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PlanList{Plans: nonNil(plans)})
}

func (s *Server) handlePending(c echo.Context) error {
	limit, err := intParam(c, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		return badRequest("http.pending", "%v", err)
	}
	plans, err := s.svc.Pending(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PlanList{Plans: nonNil(plans)})
}

func (s *Server) handleDecision(c echo.Context) error {
	const op = "http.decision"
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(op, "invalid request body")
	}
	d, err := review.ParseDecision(req.Decision)
	if err != nil {
		return err
	}
	res, err := s.svc.Decide(c.Request().Context(), c.Param("id"), d, actorOf(c), req.Justification)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DecisionResponse{Plan: res.Plan, Status: res.Status, Entry: res.Entry})
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest("http.cancel", "invalid request body")
		}
	}
	p, err := s.svc.Cancel(c.Request().Context(), c.Param("id"), actorOf(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, p)
}

func (s *Server) handleSearch(c echo.Context) error {
	const op = "http.search"
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return badRequest(op, "query parameter q is required")
	}
	k, err := intParam(c, "k", defaultMatches, maxMatches)
	if err != nil {
		return badRequest(op, "%v", err)
	}
	matches, err := s.svc.Search(c.Request().Context(), q, k)
	if err != nil {
		return err
	}
	resp := SearchResponse{Query: q, Matches: matches}
	if resp.Matches == nil {
		resp.Matches = []knowledge.Match{}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// intParam reads a non-negative integer query parameter. A positive ceiling
// clamps the value.
func intParam(c echo.Context, name string, def, ceiling int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &paramError{name: name, value: raw}
	}
	if ceiling > 0 && n > ceiling {
		n = ceiling
	}
	return n, nil
}

type paramError struct{ name, value string }

func (e *paramError) Error() string {
	return "query parameter " + e.name + " must be a non-negative integer, got " + strconv.Quote(e.value)
}

func nonNil(ps []*plan.Plan) []*plan.Plan {
	if ps == nil {
		return []*plan.Plan{}
	}
	return ps
}
