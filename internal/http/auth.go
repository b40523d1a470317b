package http

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

const actorKey = "fixplan.actor"

type reviewer struct {
	name  string
	token []byte
}

type authenticator struct {
	reviewers []reviewer
}

func newAuthenticator(rs []config.Reviewer) *authenticator {
	a := &authenticator{}
	for _, r := range rs {
		if r.Name == "" || !r.Token.IsSet() {
			continue
		}
		a.reviewers = append(a.reviewers, reviewer{name: r.Name, token: []byte(r.Token.Value())})
	}
	return a
}

// lookup compares token against every reviewer so the time taken does not
// depend on which one matched.
func (a *authenticator) lookup(token string) (string, bool) {
	name := ""
	for _, r := range a.reviewers {
		if subtle.ConstantTimeCompare(r.token, []byte(token)) == 1 {
			name = r.name
		}
	}
	return name, name != ""
}

// identify resolves an optional bearer token to a reviewer name. A request
// without Authorization stays anonymous; a bad token is rejected outright.
func (a *authenticator) identify(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if header == "" {
			return next(c)
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return plan.Errorf(plan.CodeUnauthenticated, "http.auth", "expected a bearer token")
		}
		name, ok := a.lookup(strings.TrimSpace(token))
		if !ok {
			return plan.Errorf(plan.CodeUnauthenticated, "http.auth", "unknown token")
		}
		c.Set(actorKey, name)
		req := c.Request()
		c.SetRequest(req.WithContext(logging.WithActor(req.Context(), name)))
		return next(c)
	}
}

func requireReviewer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if actorOf(c) == "" {
			return plan.Errorf(plan.CodeUnauthenticated, "http.auth", "this action needs a reviewer token")
		}
		return next(c)
	}
}

func actorOf(c echo.Context) string {
	name, _ := c.Get(actorKey).(string)
	return name
}
