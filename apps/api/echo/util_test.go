package echoapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
	"github.com/tekpounou/platform/core/user"
	localidp "github.com/tekpounou/platform/services/identity/local"
	"github.com/tekpounou/platform/services/metrics"
	inmemdb "github.com/tekpounou/platform/storage/database/inmem"
	"github.com/tekpounou/platform/storage/snapshot"
	"github.com/tekpounou/platform/tests"
)

const testPassword = "Kreyol2024"

type testEnv struct {
	srv   *Server
	store *auth.Store
	repo  user.Repository
}

func setup(t *testing.T, configure ...func(conf *core.Config)) testEnv {
	t.Helper()
	conf := &core.Config{
		Env:             "TEST",
		TestMode:        true,
		AppName:         "Tek Pou Nou",
		DefaultLanguage: "ht-HT",
		Server:          core.ServerConfig{DisableReqLogs: true},
	}
	for _, fn := range configure {
		fn(conf)
	}

	logger := testutil.NewLogger()
	translator := core.NewTranslator()
	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	backend, err := localidp.New(localidp.Options{
		SecretKey:  "test-secret",
		Issuer:     conf.AppName,
		TokenTTL:   time.Hour,
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	repo := inmemdb.NewUserRepository(inmemdb.Open())
	store := auth.NewStore(
		auth.Deps{
			Backend:   backend,
			Repo:      repo,
			Persister: snapshot.NewAdapter(snapshot.NewMemoryStorage(), "auth-storage", logger),
			Logger:    logger,
			Recorder:  metrics.NewRecorder(reg),
			Validate:  validate,
		},
		auth.Options{DefaultLanguage: user.Language(conf.DefaultLanguage)},
	)

	srv := NewServer(conf, &Deps{
		Store:      store,
		Validate:   validate,
		Translator: translator,
		Logger:     logger,
		Gatherer:   reg,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return testEnv{srv: srv, store: store, repo: repo}
}

// addUser registers the account through the store and grants it `roles`.
func (env testEnv) addUser(t *testing.T, email string, roles ...user.Role) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.SignUp(ctx, user.NewUser{Email: email, Password: testPassword}))
	if len(roles) == 0 {
		return
	}
	idn, err := env.repo.GetIdentityByEmail(ctx, email)
	require.NoError(t, err)
	_, err = env.repo.SetRoles(ctx, idn.ID, roles, time.Now())
	require.NoError(t, err)
}

func (env testEnv) signIn(t *testing.T, email string) {
	t.Helper()
	require.NoError(t, env.store.SignIn(context.Background(), email, testPassword))
}

func (env testEnv) do(req *http.Request, rec *httptest.ResponseRecorder) {
	env.srv.ServeHTTP(rec, req)
}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	wantCode int
	wantData []byte
	extra    interface{}
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	return req, rec
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) stateResponse {
	t.Helper()
	var res stateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	return res
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, tt.wantCode, rec.Code, "code")
	if tt.wantData == nil {
		return
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}
