package middlewares

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/timesheet_backend/config"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
)

// PushAuth checks that a Pub/Sub push request really comes from the subscription.
// With Audience set the request must carry a Google-signed OIDC token for that audience
// (and for ServiceAccount, when set). With Token set the push URL must carry ?token=<Token>
// or the X-Push-Token header. With neither set every push is refused.
type PushAuth struct {
	Audience       string
	ServiceAccount string
	Token          string

	Validate func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

func PushAuthFromEnv() *PushAuth {
	return &PushAuth{
		Audience:       strings.TrimSpace(os.Getenv("PUBSUB_PUSH_AUDIENCE")),
		ServiceAccount: strings.TrimSpace(os.Getenv("PUBSUB_PUSH_SERVICE_ACCOUNT")),
		Token:          strings.TrimSpace(os.Getenv("PUBSUB_PUSH_TOKEN")),
		Validate:       idtoken.Validate,
	}
}

func (p *PushAuth) Enabled() bool {
	return p != nil && (p.Audience != "" || p.Token != "")
}

func (p *PushAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := p.check(c); err != "" {
			config.GetLogger().WithFields(logrus.Fields{
				"field": "PushAuth",
				"path":  c.Request.URL.Path,
			}).Warn("pubsub push refused: " + err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (p *PushAuth) check(c *gin.Context) string {
	if !p.Enabled() {
		return "push authentication is not configured"
	}
	if p.Token != "" {
		got := c.Query("token")
		if got == "" {
			got = c.GetHeader("X-Push-Token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(p.Token)) != 1 {
			return "bad push token"
		}
	}
	if p.Audience == "" {
		return ""
	}

	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "missing oidc token"
	}
	validate := p.Validate
	if validate == nil {
		validate = idtoken.Validate
	}
	payload, err := validate(c.Request.Context(), strings.TrimSpace(auth[len("Bearer "):]), p.Audience)
	if err != nil {
		return "invalid oidc token: " + err.Error()
	}
	if p.ServiceAccount != "" {
		email, _ := payload.Claims["email"].(string)
		verified, _ := payload.Claims["email_verified"].(bool)
		if !verified || !strings.EqualFold(email, p.ServiceAccount) {
			return "oidc token is not from " + p.ServiceAccount
		}
	}
	return ""
}
