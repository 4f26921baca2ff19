package middlewares

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"google.golang.org/api/idtoken"
)

func newPushRouter(p *PushAuth) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/push", p.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func TestPushAuth_OIDC(t *testing.T) {
	p := &PushAuth{
		Audience:       "https://timesheet.example.com/pubsub/enforcement",
		ServiceAccount: "pusher@proj.iam.gserviceaccount.com",
		Validate: func(ctx context.Context, token, audience string) (*idtoken.Payload, error) {
			switch token {
			case "good":
				return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
					"email": "pusher@proj.iam.gserviceaccount.com", "email_verified": true,
				}}, nil
			case "other-account":
				return &idtoken.Payload{Audience: audience, Claims: map[string]interface{}{
					"email": "someone@proj.iam.gserviceaccount.com", "email_verified": true,
				}}, nil
			}
			return nil, errors.New("idtoken: invalid signature")
		},
	}
	r := newPushRouter(p)

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"bad signature", "Bearer forged", http.StatusUnauthorized},
		{"other service account", "Bearer other-account", http.StatusUnauthorized},
		{"subscription token", "Bearer good", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/push", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
		})
	}
}

func TestPushAuth_SharedToken(t *testing.T) {
	r := newPushRouter(&PushAuth{Token: "s3cret"})

	cases := []struct {
		path   string
		status int
	}{
		{"/push", http.StatusUnauthorized},
		{"/push?token=nope", http.StatusUnauthorized},
		{"/push?token=s3cret", http.StatusNoContent},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, tc.path, nil))
		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.status, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/push", nil)
	req.Header.Set("X-Push-Token", "s3cret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("header token: expected 204, got %d", w.Code)
	}
}

func TestPushAuth_UnconfiguredRefuses(t *testing.T) {
	w := httptest.NewRecorder()
	newPushRouter(&PushAuth{}).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/push?token=", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
