package kratosidp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tekpounou/platform/core/auth"
	testutil "github.com/tekpounou/platform/tests"
)

const (
	identityJSON = `{"id":"u1","schema_id":"default","schema_url":"http://kratos.test/schemas/default",` +
		`"traits":{"email":"rose@test.ht"}}`
	sessionJSON = `{"id":"s1","active":true,"expires_at":"2030-01-01T00:00:00Z","identity":` + identityJSON + `}`

	loginFlowJSON = `{"id":"flow-1","type":"api","state":"choose_method","expires_at":"2030-01-01T00:00:00Z",` +
		`"issued_at":"2024-01-01T00:00:00Z","request_url":"http://kratos.test/self-service/login/api",` +
		`"ui":{"action":"http://kratos.test/self-service/login?flow=flow-1","method":"POST","nodes":[]}}`
	registrationFlowJSON = `{"id":"flow-2","type":"api","state":"choose_method","expires_at":"2030-01-01T00:00:00Z",` +
		`"issued_at":"2024-01-01T00:00:00Z","request_url":"http://kratos.test/self-service/registration/api",` +
		`"ui":{"action":"http://kratos.test/self-service/registration?flow=flow-2","method":"POST","nodes":[]}}`
)

func flowError(id int64, text string) string {
	return `{"id":"flow-1","type":"api","state":"choose_method","expires_at":"2030-01-01T00:00:00Z",` +
		`"issued_at":"2024-01-01T00:00:00Z","request_url":"http://kratos.test/self-service/login/api",` +
		`"ui":{"action":"http://kratos.test","method":"POST","nodes":[],"messages":[` +
		`{"id":` + jsonInt(id) + `,"text":"` + text + `","type":"error"}]}}`
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// fakeKratos serves the native self-service endpoints of Kratos.
type fakeKratos struct {
	mu           sync.Mutex
	password     string
	registered   bool
	verifyEmail  bool
	liveTokens   map[string]bool
	loggedOut    []string
	unavailable  bool
	loginErrID   int64 // flow error returned by every login attempt
	loginBodies  []map[string]interface{}
	signUpTraits map[string]interface{}
}

func newFakeKratos(t *testing.T) (*fakeKratos, *Gateway) {
	t.Helper()
	fk := &fakeKratos{password: "Passw0rd1", liveTokens: make(map[string]bool)}
	srv := httptest.NewServer(fk.handler())
	t.Cleanup(srv.Close)
	return fk, New(srv.URL, 2*time.Second, testutil.NewLogger())
}

func (fk *fakeKratos) handler() http.Handler {
	write := func(w http.ResponseWriter, code int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /self-service/login/api", func(w http.ResponseWriter, r *http.Request) {
		if fk.isUnavailable() {
			write(w, http.StatusBadGateway, `{"error":{"code":502,"message":"upstream down"}}`)
			return
		}
		write(w, http.StatusOK, loginFlowJSON)
	})
	mux.HandleFunc("POST /self-service/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fk.mu.Lock()
		fk.loginBodies = append(fk.loginBodies, body)
		ok := body["identifier"] == "rose@test.ht" && body["password"] == fk.password && r.URL.Query().Get("flow") == "flow-1"
		errID := fk.loginErrID
		if ok && errID == 0 {
			fk.liveTokens["tok-1"] = true
		}
		fk.mu.Unlock()
		if errID != 0 {
			write(w, http.StatusBadRequest, flowError(errID, "The request was rejected."))
			return
		}
		if !ok {
			write(w, http.StatusBadRequest, flowError(4000006, "The provided credentials are invalid."))
			return
		}
		write(w, http.StatusOK, `{"session":`+sessionJSON+`,"session_token":"tok-1"}`)
	})
	mux.HandleFunc("GET /self-service/registration/api", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, registrationFlowJSON)
	})
	mux.HandleFunc("POST /self-service/registration", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Traits map[string]interface{} `json:"traits"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fk.mu.Lock()
		defer fk.mu.Unlock()
		fk.signUpTraits = body.Traits
		switch {
		case fk.registered:
			write(w, http.StatusBadRequest, flowError(4000007, "An account with the same identifier exists already."))
		case fk.verifyEmail:
			fk.registered = true
			write(w, http.StatusOK, `{"identity":`+identityJSON+`}`)
		default:
			fk.registered = true
			fk.liveTokens["tok-2"] = true
			write(w, http.StatusOK, `{"identity":`+identityJSON+`,"session":`+sessionJSON+`,"session_token":"tok-2"}`)
		}
	})
	mux.HandleFunc("GET /sessions/whoami", func(w http.ResponseWriter, r *http.Request) {
		if fk.isUnavailable() {
			write(w, http.StatusServiceUnavailable, `{"error":{"code":503,"message":"down"}}`)
			return
		}
		fk.mu.Lock()
		live := fk.liveTokens[r.Header.Get("X-Session-Token")]
		fk.mu.Unlock()
		if !live {
			write(w, http.StatusUnauthorized, `{"error":{"code":401,"status":"Unauthorized","message":"No valid session"}}`)
			return
		}
		write(w, http.StatusOK, sessionJSON)
	})
	mux.HandleFunc("DELETE /self-service/logout/api", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionToken string `json:"session_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fk.mu.Lock()
		defer fk.mu.Unlock()
		if !fk.liveTokens[body.SessionToken] {
			write(w, http.StatusForbidden, `{"error":{"code":403,"message":"forbidden"}}`)
			return
		}
		delete(fk.liveTokens, body.SessionToken)
		fk.loggedOut = append(fk.loggedOut, body.SessionToken)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (fk *fakeKratos) isUnavailable() bool {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	return fk.unavailable
}

func (fk *fakeKratos) with(fn func()) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fn()
}

func (fk *fakeKratos) revoke(token string) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	delete(fk.liveTokens, token)
}

func TestGateway_SignInWithPassword(t *testing.T) {
	tests := []struct {
		name        string
		password    string
		unavailable bool
		loginErrID  int64
		wantErr     error
	}{
		{name: "valid credentials", password: "Passw0rd1"},
		{name: "wrong password", password: "nope", wantErr: auth.ErrInvalidCredentials},
		{name: "address not verified", password: "Passw0rd1", loginErrID: 4000010, wantErr: auth.ErrRejected},
		{name: "kratos down", password: "Passw0rd1", unavailable: true, wantErr: auth.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fk, gw := newFakeKratos(t)
			fk.with(func() {
				fk.unavailable = tt.unavailable
				fk.loginErrID = tt.loginErrID
			})

			sess, err := gw.SignInWithPassword(context.Background(), "rose@test.ht", tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, gw.tracked())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, &auth.Session{
				AccessToken: "tok-1",
				TokenType:   tokenType,
				ExpiresAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
				UserID:      "u1",
			}, sess)
			assert.Equal(t, sess, gw.tracked())
			fk.with(func() { assert.Equal(t, "password", fk.loginBodies[0]["method"]) })
		})
	}
}

func TestGateway_SignUp(t *testing.T) {
	ctx := context.Background()
	meta := auth.SignUpMetadata{DisplayName: "Rose", PreferredLanguage: "fr-FR"}

	t.Run("session issued", func(t *testing.T) {
		fk, gw := newFakeKratos(t)
		pcpl, sess, err := gw.SignUp(ctx, "rose@test.ht", "Passw0rd1", meta)
		require.NoError(t, err)
		assert.Equal(t, auth.Principal{ID: "u1", Email: "rose@test.ht"}, pcpl)
		require.NotNil(t, sess)
		assert.Equal(t, "tok-2", sess.AccessToken)
		fk.with(func() {
			assert.Equal(t, map[string]interface{}{"email": "rose@test.ht", "name": "Rose", "language": "fr-FR"}, fk.signUpTraits)
		})

		_, _, err = gw.SignUp(ctx, "rose@test.ht", "Passw0rd1", meta)
		assert.ErrorIs(t, err, auth.ErrEmailTaken)
	})

	t.Run("verification pending", func(t *testing.T) {
		fk, gw := newFakeKratos(t)
		fk.with(func() { fk.verifyEmail = true })
		pcpl, sess, err := gw.SignUp(ctx, "rose@test.ht", "Passw0rd1", meta)
		require.NoError(t, err)
		assert.Equal(t, "u1", pcpl.ID)
		assert.Nil(t, sess)
		assert.Nil(t, gw.tracked())
	})
}

func TestGateway_CurrentSession(t *testing.T) {
	ctx := context.Background()
	fk, gw := newFakeKratos(t)

	got, err := gw.CurrentSession(ctx, nil)
	assert.NoError(t, err)
	assert.Nil(t, got, "nothing tracked")

	sess, err := gw.SignInWithPassword(ctx, "rose@test.ht", "Passw0rd1")
	require.NoError(t, err)

	got, err = gw.CurrentSession(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	got, err = gw.CurrentSession(ctx, &auth.Session{AccessToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID, "cached tokens are looked up")

	fk.with(func() { fk.unavailable = true })
	_, err = gw.CurrentSession(ctx, nil)
	assert.ErrorIs(t, err, auth.ErrUnavailable)
	assert.NotNil(t, gw.tracked(), "an outage does not drop the session")

	fk.with(func() { fk.unavailable = false })
	fk.revoke("tok-1")
	got, err = gw.CurrentSession(ctx, nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Nil(t, gw.tracked())
}

func TestGateway_SignOut(t *testing.T) {
	ctx := context.Background()
	fk, gw := newFakeKratos(t)

	assert.NoError(t, gw.SignOut(ctx, nil), "nothing to revoke")

	_, err := gw.SignInWithPassword(ctx, "rose@test.ht", "Passw0rd1")
	require.NoError(t, err)
	require.NoError(t, gw.SignOut(ctx, nil))
	fk.with(func() { assert.Equal(t, []string{"tok-1"}, fk.loggedOut) })
	assert.Nil(t, gw.tracked())

	assert.NoError(t, gw.SignOut(ctx, &auth.Session{AccessToken: "tok-1"}), "revoked tokens are already signed out")
}

func TestPoller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fk, gw := newFakeKratos(t)
	poller := NewPoller(gw, 10*time.Millisecond)
	events := poller.Events(ctx)

	sess, err := gw.SignInWithPassword(ctx, "rose@test.ht", "Passw0rd1")
	require.NoError(t, err)
	fk.revoke(sess.AccessToken)

	select {
	case ev := <-events:
		assert.Equal(t, auth.EventSignedOut, ev.Type)
		assert.Equal(t, sess, ev.Session)
	case <-time.After(2 * time.Second):
		t.Fatal("no SignedOut event")
	}

	cancel()
	for range events { // closes with ctx
	}
}

func Test_uiMessageID(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{name: "flow message", body: flowError(4000007, "exists"), want: 4000007},
		{
			name: "node message",
			body: `{"ui":{"nodes":[{"messages":[{"id":4000006,"type":"error"}]}]}}`,
			want: 4000006,
		},
		{name: "info only", body: `{"ui":{"messages":[{"id":1040001,"type":"info"}]}}`},
		{name: "not json", body: `upstream down`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uiMessageID([]byte(tt.body)))
		})
	}
}
