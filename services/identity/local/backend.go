package localidp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/auth"
)

const (
	tokenType     = "bearer"
	eventsBufSize = 64
	accountsKey   = "local-accounts"
)

var (
	ErrEmailNotConfirmed = errors.New("email not confirmed")
	errInvalidToken      = errors.New("invalid token")
	errTokenExpired      = errors.New("token expired")
)

type Options struct {
	SecretKey  string
	Issuer     string
	TokenTTL   time.Duration
	RefreshTTL time.Duration
	// ConfirmEmail makes SignUp return no session until ConfirmEmail is called for the account.
	ConfirmEmail bool
	BcryptCost   int
	// Storage keeps the accounts across restarts. Accounts live in memory only when nil.
	Storage Storage
	Now     func() time.Time
}

// Storage is a key/value slot store, satisfied by snapshot.DirStorage.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
}

type account struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Hash      []byte `json:"hash"`
	Confirmed bool   `json:"confirmed"`
}

type refreshEntry struct {
	userID    string
	expiresAt time.Time
}

// claims carried by access tokens.
type claims struct {
	jwt.StandardClaims
	Email string `json:"email,omitempty"`
}

// Backend is an in-process identity backend: bcrypt password credentials and HS256 access tokens.
// It tracks the session of its single client like a browser SDK would.
type Backend struct {
	opts Options
	key  []byte

	mu       sync.Mutex
	accounts map[string]*account // by email
	byID     map[string]*account
	refresh  map[string]refreshEntry
	revoked  map[string]time.Time // jti -> token expiry
	current  *auth.Session
	subs     map[int]chan auth.Event
	nextSub  int
}

var (
	_ auth.Backend     = (*Backend)(nil)
	_ auth.EventSource = (*Backend)(nil)
)

func New(opts Options) (*Backend, error) {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = time.Hour
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Backend{
		opts:     opts,
		key:      []byte(opts.SecretKey),
		accounts: make(map[string]*account),
		byID:     make(map[string]*account),
		refresh:  make(map[string]refreshEntry),
		revoked:  make(map[string]time.Time),
		subs:     make(map[int]chan auth.Event),
	}
	if err := b.loadAccounts(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) loadAccounts() error {
	if b.opts.Storage == nil {
		return nil
	}
	raw, ok, err := b.opts.Storage.GetItem(accountsKey)
	if err != nil || !ok {
		return errors.Wrap(err, "reading accounts")
	}
	var accs []*account
	if err := json.Unmarshal([]byte(raw), &accs); err != nil {
		return errors.Wrap(err, "decoding accounts")
	}
	for _, acc := range accs {
		b.accounts[acc.Email] = acc
		b.byID[acc.ID] = acc
	}
	return nil
}

// saveAccountsLocked must be called with b.mu held.
func (b *Backend) saveAccountsLocked() error {
	if b.opts.Storage == nil {
		return nil
	}
	accs := make([]*account, 0, len(b.byID))
	for _, acc := range b.byID {
		accs = append(accs, acc)
	}
	raw, err := json.Marshal(accs)
	if err != nil {
		return errors.Wrap(err, "encoding accounts")
	}
	return errors.Wrap(b.opts.Storage.SetItem(accountsKey, string(raw)), "storing accounts")
}

func (b *Backend) now() time.Time {
	return b.opts.Now().UTC()
}

func (b *Backend) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	email = core.CleanString(email, true /* lower */)

	b.mu.Lock()
	acc, ok := b.accounts[email]
	var stored account
	if ok {
		stored = *acc
	}
	b.mu.Unlock()
	if !ok {
		return nil, auth.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(stored.Hash, []byte(password)); err != nil {
		return nil, auth.ErrInvalidCredentials
	}
	if !stored.Confirmed {
		return nil, errors.Wrap(auth.ErrRejected, ErrEmailNotConfirmed.Error())
	}

	b.mu.Lock()
	sess, err := b.issueLocked(acc)
	if err == nil {
		b.current = sess.Clone()
	}
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	b.publish(auth.EventSignedIn, sess)
	return sess, nil
}

func (b *Backend) SignUp(ctx context.Context, email, password string, meta auth.SignUpMetadata) (auth.Principal, *auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return auth.Principal{}, nil, err
	}
	email = core.CleanString(email, true /* lower */)
	if email == "" || password == "" {
		return auth.Principal{}, nil, errors.Wrap(auth.ErrRejected, "email and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.opts.BcryptCost)
	if err != nil {
		return auth.Principal{}, nil, errors.Wrap(err, "hashing password")
	}

	b.mu.Lock()
	if _, ok := b.accounts[email]; ok {
		b.mu.Unlock()
		return auth.Principal{}, nil, auth.ErrEmailTaken
	}
	acc := &account{
		ID:        uuid.New().String(),
		Email:     email,
		Hash:      hash,
		Confirmed: !b.opts.ConfirmEmail,
	}
	b.accounts[email] = acc
	b.byID[acc.ID] = acc
	if err := b.saveAccountsLocked(); err != nil {
		delete(b.accounts, email)
		delete(b.byID, acc.ID)
		b.mu.Unlock()
		return auth.Principal{}, nil, err
	}

	pcpl := auth.Principal{ID: acc.ID, Email: acc.Email}
	if !acc.Confirmed {
		b.mu.Unlock()
		return pcpl, nil, nil
	}
	sess, err := b.issueLocked(acc)
	if err == nil {
		b.current = sess.Clone()
	}
	b.mu.Unlock()
	if err != nil {
		return auth.Principal{}, nil, err
	}

	b.publish(auth.EventSignedIn, sess)
	return pcpl, sess, nil
}

// ConfirmEmail activates an account registered while email confirmation was required.
func (b *Backend) ConfirmEmail(email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[core.CleanString(email, true /* lower */)]
	if !ok {
		return errors.Wrap(auth.ErrRejected, "unknown email")
	}
	acc.Confirmed = true
	return b.saveAccountsLocked()
}

// CurrentSession validates `cached`, refreshing it when only the access token expired. Without a
// cached session it returns the session this backend last issued, if still valid.
func (b *Backend) CurrentSession(ctx context.Context, cached *auth.Session) (*auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if cached == nil {
		cached = b.current.Clone()
	}
	if cached == nil {
		b.mu.Unlock()
		return nil, nil
	}

	c, err := b.verifyLocked(cached.AccessToken)
	switch {
	case err == nil:
		sess := cached.Clone()
		sess.UserID = c.Subject
		sess.ExpiresAt = time.Unix(c.ExpiresAt, 0).UTC()
		b.mu.Unlock()
		return sess, nil

	case errors.Is(err, errTokenExpired) && cached.RefreshToken != "":
		sess, rErr := b.refreshLocked(cached.RefreshToken)
		b.mu.Unlock()
		if rErr != nil {
			return nil, nil
		}
		b.publish(auth.EventTokenRefreshed, sess)
		return sess, nil

	default:
		b.mu.Unlock()
		return nil, nil
	}
}

// RefreshSession rotates a refresh token into a new session.
func (b *Backend) RefreshSession(ctx context.Context, refreshToken string) (*auth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	sess, err := b.refreshLocked(refreshToken)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	b.publish(auth.EventTokenRefreshed, sess)
	return sess, nil
}

func (b *Backend) SignOut(ctx context.Context, session *auth.Session) error {
	b.mu.Lock()
	if session == nil {
		session = b.current.Clone()
	}
	if session == nil {
		b.mu.Unlock()
		return nil
	}
	b.revokeLocked(session)
	if b.current != nil && b.current.AccessToken == session.AccessToken {
		b.current = nil
	}
	b.mu.Unlock()

	b.publish(auth.EventSignedOut, session)
	return nil
}

// Verify returns the principal of a valid access token.
func (b *Backend) Verify(accessToken string) (auth.Principal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, err := b.verifyLocked(accessToken)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{ID: c.Subject, Email: c.Email}, nil
}

func (b *Backend) issueLocked(acc *account) (*auth.Session, error) {
	now := b.now()
	exp := now.Add(b.opts.TokenTTL).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.New().String(),
			Subject:   acc.ID,
			Issuer:    b.opts.Issuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: exp.Unix(),
		},
		Email: acc.Email,
	})
	signed, err := token.SignedString(b.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing token")
	}

	refresh := uuid.New().String()
	b.refresh[refresh] = refreshEntry{userID: acc.ID, expiresAt: now.Add(b.opts.RefreshTTL)}
	b.gcLocked(now)

	return &auth.Session{
		AccessToken:  signed,
		RefreshToken: refresh,
		TokenType:    tokenType,
		ExpiresAt:    exp,
		UserID:       acc.ID,
	}, nil
}

func (b *Backend) parse(accessToken string) (*claims, error) {
	c := new(claims)
	parser := jwt.Parser{SkipClaimsValidation: true}
	_, err := parser.ParseWithClaims(accessToken, c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return b.key, nil
	})
	if err != nil {
		return nil, errors.Wrap(errInvalidToken, err.Error())
	}
	return c, nil
}

func (b *Backend) verifyLocked(accessToken string) (*claims, error) {
	c, err := b.parse(accessToken)
	if err != nil {
		return nil, err
	}
	if _, ok := b.revoked[c.Id]; ok {
		return nil, errInvalidToken
	}
	if _, ok := b.byID[c.Subject]; !ok {
		return nil, errInvalidToken
	}
	if c.ExpiresAt <= b.now().Unix() {
		return nil, errTokenExpired
	}
	return c, nil
}

func (b *Backend) refreshLocked(refreshToken string) (*auth.Session, error) {
	entry, ok := b.refresh[refreshToken]
	if !ok || !b.now().Before(entry.expiresAt) {
		return nil, auth.ErrNotAuthenticated
	}
	acc, ok := b.byID[entry.userID]
	if !ok {
		return nil, auth.ErrNotAuthenticated
	}
	delete(b.refresh, refreshToken)

	sess, err := b.issueLocked(acc)
	if err != nil {
		return nil, err
	}
	b.current = sess.Clone()
	return sess, nil
}

func (b *Backend) revokeLocked(session *auth.Session) {
	delete(b.refresh, session.RefreshToken)
	c, err := b.parse(session.AccessToken)
	if err != nil {
		return
	}
	b.revoked[c.Id] = time.Unix(c.ExpiresAt, 0)
}

// gcLocked forgets revocations and refresh tokens that expired anyway.
func (b *Backend) gcLocked(now time.Time) {
	for jti, exp := range b.revoked {
		if !now.Before(exp) {
			delete(b.revoked, jti)
		}
	}
	for token, entry := range b.refresh {
		if !now.Before(entry.expiresAt) {
			delete(b.refresh, token)
		}
	}
}

// Events streams the session changes of this backend until ctx is done.
func (b *Backend) Events(ctx context.Context) <-chan auth.Event {
	ch := make(chan auth.Event, eventsBufSize)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *Backend) publish(typ auth.EventType, sess *auth.Session) {
	ev := auth.Event{Type: typ, Session: sess.Clone(), At: b.now()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default: // slow subscriber
		}
	}
}
