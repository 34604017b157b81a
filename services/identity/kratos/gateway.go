package kratosidp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	kratos "github.com/ory/kratos-client-go"
	"github.com/pkg/errors"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
)

const (
	tokenType      = "session_token"
	passwordMethod = "password"

	// Kratos UI message ids.
	msgInvalidCredentials = 4000006
	msgDuplicateAccount   = 4000007
)

// Gateway signs in against the native (API client) flows of an Ory Kratos public endpoint and
// tracks the session token of its single client.
type Gateway struct {
	client *kratos.APIClient
	logger core.Logger

	mu      sync.Mutex
	current *auth.Session
}

var _ auth.Backend = (*Gateway)(nil)

func New(baseURL string, timeout time.Duration, logger core.Logger) *Gateway {
	conf := kratos.NewConfiguration()
	conf.Servers = kratos.ServerConfigurations{{URL: baseURL}}
	conf.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	conf.DefaultHeader = map[string]string{"Accept": "application/json"}

	return &Gateway{client: kratos.NewAPIClient(conf), logger: logger}
}

func (g *Gateway) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	flow, resp, err := g.client.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return nil, g.trapErr(err, resp, "creating login flow")
	}

	body := kratos.NewUpdateLoginFlowWithPasswordMethod(email, passwordMethod, password)
	res, resp, err := g.client.FrontendAPI.UpdateLoginFlow(ctx).
		Flow(flow.Id).
		UpdateLoginFlowBody(kratos.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(body)).
		Execute()
	if err != nil {
		return nil, g.trapErr(err, resp, "submitting login flow")
	}

	sess, err := toSession(&res.Session, res.SessionToken)
	if err != nil {
		return nil, err
	}
	g.track(sess)
	return sess, nil
}

func (g *Gateway) SignUp(ctx context.Context, email, password string, meta auth.SignUpMetadata) (auth.Principal, *auth.Session, error) {
	flow, resp, err := g.client.FrontendAPI.CreateNativeRegistrationFlow(ctx).Execute()
	if err != nil {
		return auth.Principal{}, nil, g.trapErr(err, resp, "creating registration flow")
	}

	traits := map[string]interface{}{"email": email}
	if meta.DisplayName != "" {
		traits["name"] = meta.DisplayName
	}
	if meta.PreferredLanguage != "" {
		traits["language"] = string(meta.PreferredLanguage)
	}
	body := kratos.NewUpdateRegistrationFlowWithPasswordMethod(passwordMethod, password, traits)
	res, resp, err := g.client.FrontendAPI.UpdateRegistrationFlow(ctx).
		Flow(flow.Id).
		UpdateRegistrationFlowBody(kratos.UpdateRegistrationFlowWithPasswordMethodAsUpdateRegistrationFlowBody(body)).
		Execute()
	if err != nil {
		return auth.Principal{}, nil, g.trapErr(err, resp, "submitting registration flow")
	}

	pcpl := auth.Principal{ID: res.Identity.Id, Email: traitString(res.Identity.Traits, "email")}
	if res.Session == nil || res.SessionToken == nil {
		// email verification pending
		return pcpl, nil, nil
	}
	sess, err := toSession(res.Session, res.SessionToken)
	if err != nil {
		return auth.Principal{}, nil, err
	}
	g.track(sess)
	return pcpl, sess, nil
}

// CurrentSession asks Kratos whether the session token of `cached`, or of the tracked session,
// is still active.
func (g *Gateway) CurrentSession(ctx context.Context, cached *auth.Session) (*auth.Session, error) {
	if cached == nil {
		cached = g.tracked()
	}
	if cached == nil || cached.AccessToken == "" {
		return nil, nil
	}

	ks, resp, err := g.whoami(ctx, cached.AccessToken)
	if err != nil {
		if isGone(resp) {
			g.untrack(cached.AccessToken)
			return nil, nil
		}
		return nil, g.trapErr(err, resp, "checking session")
	}
	if ks.Active != nil && !*ks.Active {
		g.untrack(cached.AccessToken)
		return nil, nil
	}

	token := cached.AccessToken
	sess, err := toSession(ks, &token)
	if err != nil {
		return nil, err
	}
	g.track(sess)
	return sess, nil
}

func (g *Gateway) SignOut(ctx context.Context, session *auth.Session) error {
	if session == nil {
		session = g.tracked()
	}
	if session == nil || session.AccessToken == "" {
		return nil
	}
	defer g.untrack(session.AccessToken)

	resp, err := g.client.FrontendAPI.PerformNativeLogout(ctx).
		PerformNativeLogoutBody(*kratos.NewPerformNativeLogoutBody(session.AccessToken)).
		Execute()
	if err != nil && !isGone(resp) {
		return g.trapErr(err, resp, "revoking session")
	}
	return nil
}

func (g *Gateway) whoami(ctx context.Context, token string) (*kratos.Session, *http.Response, error) {
	return g.client.FrontendAPI.ToSession(ctx).XSessionToken(token).Execute()
}

func (g *Gateway) track(sess *auth.Session) {
	g.mu.Lock()
	g.current = sess.Clone()
	g.mu.Unlock()
}

func (g *Gateway) tracked() *auth.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current.Clone()
}

func (g *Gateway) untrack(token string) {
	g.mu.Lock()
	if g.current != nil && g.current.AccessToken == token {
		g.current = nil
	}
	g.mu.Unlock()
}

func toSession(ks *kratos.Session, token *string) (*auth.Session, error) {
	if ks == nil || ks.Identity == nil || token == nil || *token == "" {
		return nil, auth.ErrNoSession
	}
	sess := &auth.Session{
		AccessToken: *token,
		TokenType:   tokenType,
		UserID:      ks.Identity.Id,
	}
	if ks.ExpiresAt != nil {
		sess.ExpiresAt = ks.ExpiresAt.UTC()
	}
	return sess, nil
}

func traitString(traits interface{}, key string) string {
	m, ok := traits.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func isGone(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// trapErr maps Kratos failures to the auth backend errors.
func (g *Gateway) trapErr(err error, resp *http.Response, msg string) error {
	var apiErr *kratos.GenericOpenAPIError
	if errors.As(err, &apiErr) {
		switch uiMessageID(apiErr.Body()) {
		case msgDuplicateAccount:
			return auth.ErrEmailTaken
		case msgInvalidCredentials:
			return auth.ErrInvalidCredentials
		}
	}
	if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errors.Wrapf(auth.ErrRejected, "%s: kratos returned status %d", msg, resp.StatusCode)
	}
	g.logger.Warn("kratos "+msg, err)
	return errors.Wrapf(auth.ErrUnavailable, "%s: %v", msg, err)
}

type uiText struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type flowErrorBody struct {
	UI struct {
		Messages []uiText `json:"messages"`
		Nodes    []struct {
			Messages []uiText `json:"messages"`
		} `json:"nodes"`
	} `json:"ui"`
}

// uiMessageID returns the id of the first error message of a flow body, 0 if there is none.
func uiMessageID(body []byte) int64 {
	var flow flowErrorBody
	if err := json.Unmarshal(body, &flow); err != nil {
		return 0
	}
	texts := flow.UI.Messages
	for _, node := range flow.UI.Nodes {
		texts = append(texts, node.Messages...)
	}
	for _, t := range texts {
		if t.Type == "error" {
			return t.ID
		}
	}
	return 0
}
