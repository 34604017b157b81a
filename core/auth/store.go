package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"golang.org/x/sync/singleflight"

	"github.com/tekpounou/platform/core"
	"github.com/tekpounou/platform/core/user"
)

// Status is the lifecycle of the authentication state.
type Status int

const (
	// StatusUnknown is the state before Initialize resolved anything, rehydrated or not.
	StatusUnknown Status = iota
	StatusLoading
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// State is a read-only copy of the store.
type State struct {
	User            *user.Identity
	Profile         *user.Profile
	Session         *Session
	IsLoading       bool
	IsAuthenticated bool
	Status          Status
}

func (st State) PrimaryRole() user.Role {
	return st.Profile.PrimaryRole()
}

// Action names passed to the Recorder.
const (
	ActionSignIn        = "sign_in"
	ActionSignUp        = "sign_up"
	ActionSignOut       = "sign_out"
	ActionUpdateProfile = "update_profile"
	ActionInitialize    = "initialize"
)

const (
	defaultCallTimeout = 10 * time.Second
	revokedTokensLimit = 32
)

type Options struct {
	DefaultLanguage user.Language
	// AutoSignInAfterRegister adopts the session returned by SignUp, when the backend returns one.
	AutoSignInAfterRegister bool
	// CallTimeout bounds every backend and repository call.
	CallTimeout time.Duration
	Now         func() time.Time
}

type Deps struct {
	Backend   Backend
	Repo      user.Repository
	Persister Persister // optional
	Logger    core.Logger
	Recorder  Recorder // optional
	Validate  *validator.Validate
}

type latchState int

const (
	latchNotStarted latchState = iota
	latchInFlight
	latchDone
)

type identityState struct {
	session *Session
	user    *user.Identity
	profile *user.Profile
}

type principal struct {
	identity user.Identity
	profile  *user.Profile
}

// Store is the single source of truth for who is signed in. It is safe for concurrent use.
type Store struct {
	backend   Backend
	repo      user.Repository
	persister Persister
	logger    core.Logger
	recorder  Recorder
	validate  *validator.Validate
	opts      Options

	mu            sync.Mutex
	session       *Session
	user          *user.Identity
	profile       *user.Profile
	authenticated bool
	resolved      bool
	busy          int
	epoch         uint64 // bumped on every session write
	signOuts      uint64 // bumped on every sign out
	revoked       []string
	latch         latchState
	latchDone     chan struct{}
	subs          map[int]func(State)
	nextSub       int

	publishMu sync.Mutex
	loads     singleflight.Group
}

// NewStore builds the store and synchronously rehydrates the persisted snapshot, if any.
func NewStore(deps Deps, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if !opts.DefaultLanguage.Valid() {
		opts.DefaultLanguage = user.DefaultLanguage
	}
	validate := deps.Validate
	if validate == nil {
		validate = validator.New()
		translator := core.NewTranslator()
		core.InitValidators(validate, translator)
		user.InitValidators(validate, translator)
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	s := &Store{
		backend:   deps.Backend,
		repo:      deps.Repo,
		persister: deps.Persister,
		logger:    deps.Logger,
		recorder:  recorder,
		validate:  validate,
		opts:      opts,
		subs:      make(map[int]func(State)),
	}
	s.rehydrate()
	return s
}

func (s *Store) rehydrate() {
	if s.persister == nil {
		return
	}
	snap, ok := s.persister.Load()
	if !ok {
		return
	}
	s.session = snap.Session.Clone()
	s.user = snap.User.Clone()
	s.profile = snap.Profile.Clone()
	s.authenticated = snap.IsAuthenticated && snap.User != nil
	s.logger.Debug("auth state rehydrated", map[string]interface{}{"authenticated": s.authenticated})
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() State {
	st := State{
		User:            s.user.Clone(),
		Profile:         s.profile.Clone(),
		Session:         s.session.Clone(),
		IsAuthenticated: s.authenticated,
	}
	switch {
	case s.busy > 0:
		st.Status = StatusLoading
	case !s.resolved:
		st.Status = StatusUnknown
	case s.authenticated:
		st.Status = StatusAuthenticated
	default:
		st.Status = StatusUnauthenticated
	}
	st.IsLoading = st.Status == StatusUnknown || st.Status == StatusLoading
	return st
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Version:         SnapshotVersion,
		User:            s.user.Clone(),
		Profile:         s.profile.Clone(),
		Session:         s.session.Clone(),
		IsAuthenticated: s.authenticated,
	}
}

// Subscribe registers fn to receive every state change. fn runs synchronously and must not call
// Store actions.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// publish persists (when asked) and notifies the latest state. Serialized so the last save and
// the last notification always carry the newest state.
func (s *Store) publish(persist bool) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	st := s.stateLocked()
	snap := s.snapshotLocked()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if persist && s.persister != nil {
		if err := s.persister.Save(snap); err != nil {
			s.logger.Error("persisting auth snapshot", err)
		}
	}
	for _, fn := range subs {
		fn(st)
	}
}

func (s *Store) begin() {
	s.mu.Lock()
	s.busy++
	s.mu.Unlock()
	s.publish(false)
}

func (s *Store) end() {
	s.mu.Lock()
	s.busy--
	s.mu.Unlock()
	s.publish(false)
}

// commit replaces the identity state unless accept, called under lock, refuses it.
func (s *Store) commit(accept func() bool, next identityState, signedOut bool) bool {
	s.mu.Lock()
	if accept != nil && !accept() {
		s.mu.Unlock()
		return false
	}
	if signedOut && s.session != nil {
		s.revokeLocked(s.session.AccessToken)
	}
	s.session = next.session
	s.user = next.user
	s.profile = next.profile
	s.authenticated = next.user != nil
	s.resolved = true
	s.epoch++
	if signedOut {
		s.signOuts++
	}
	s.mu.Unlock()

	s.publish(true)
	return true
}

func (s *Store) revokeLocked(token string) {
	if token == "" {
		return
	}
	if len(s.revoked) == revokedTokensLimit {
		s.revoked = s.revoked[1:]
	}
	s.revoked = append(s.revoked, token)
}

func (s *Store) revokedLocked(token string) bool {
	for _, t := range s.revoked {
		if t == token {
			return true
		}
	}
	return false
}

func (s *Store) declined(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokedLocked(sess.AccessToken)
}

func (s *Store) now() time.Time {
	return s.opts.Now().UTC()
}

func (s *Store) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.CallTimeout)
}

// loadPrincipal fetches the identity and profile rows of `id`. Concurrent loads of the same id share
// one round trip. A missing profile is not an error.
func (s *Store) loadPrincipal(ctx context.Context, id string) (user.Identity, *user.Profile, error) {
	ch := s.loads.DoChan(id, func() (interface{}, error) {
		lctx, cancel := s.callContext(context.WithoutCancel(ctx))
		defer cancel()

		idn, err := s.repo.GetIdentity(lctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "fetching identity %s", id)
		}
		prof, err := s.repo.GetProfile(lctx, id)
		switch {
		case errors.Is(err, user.ErrProfileNotFound):
			s.logger.Warn(fmt.Sprintf("identity %s has no profile", id), idn)
			return principal{identity: idn}, nil
		case err != nil:
			return nil, errors.Wrapf(err, "fetching profile %s", id)
		}
		return principal{identity: idn, profile: &prof}, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return user.Identity{}, nil, res.Err
		}
		p := res.Val.(principal)
		return p.identity, p.profile.Clone(), nil
	case <-ctx.Done():
		return user.Identity{}, nil, ctx.Err()
	}
}

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// SignIn exchanges the credentials for a session, loads the user's rows and marks the store
// authenticated. On failure the previous state is left untouched.
func (s *Store) SignIn(ctx context.Context, email, password string) (err error) {
	const op = "auth.SignIn"
	defer func() { s.recorder.ObserveAction(ActionSignIn, err) }()

	creds := credentials{Email: core.CleanString(email, true /* lower */), Password: password}
	if err := s.validate.Struct(creds); err != nil {
		return newError(op, KindInvalidInput, err)
	}

	s.begin()
	defer s.end()

	cctx, cancel := s.callContext(ctx)
	sess, err := s.backend.SignInWithPassword(cctx, creds.Email, creds.Password)
	cancel()
	if err != nil {
		return newError(op, classify(err), errors.Wrap(err, "signing in"))
	}
	if sess == nil || sess.UserID == "" {
		return newError(op, KindUnknown, ErrNoSession)
	}

	idn, prof, err := s.loadPrincipal(ctx, sess.UserID)
	if err != nil {
		return newError(op, classify(err), err)
	}
	if !idn.IsActive {
		s.revokeQuietly(ctx, sess)
		return newError(op, KindAccountInactive, ErrAccountInactive)
	}

	at := s.now()
	lctx, cancel := s.callContext(ctx)
	if err := s.repo.SetLastLogin(lctx, idn.ID, at); err != nil {
		s.logger.Warn("updating last login", err, idn)
	} else {
		idn.LastLogin = null.TimeFrom(at)
	}
	cancel()

	if err := ctx.Err(); err != nil {
		return newError(op, classify(err), err)
	}
	s.commit(nil, identityState{session: sess, user: &idn, profile: prof}, false)
	return nil
}

// SignUp registers the credential, then creates the identity and profile rows with the student role.
// The store only becomes authenticated when AutoSignInAfterRegister is set and the backend returned a
// session.
func (s *Store) SignUp(ctx context.Context, nu user.NewUser) (err error) {
	const op = "auth.SignUp"
	defer func() { s.recorder.ObserveAction(ActionSignUp, err) }()

	nu.Clean(s.opts.DefaultLanguage)
	if err := nu.Validate(s.validate); err != nil {
		return newError(op, KindInvalidInput, err)
	}

	s.begin()
	defer s.end()

	cctx, cancel := s.callContext(ctx)
	pcpl, sess, err := s.backend.SignUp(cctx, nu.Email, nu.Password, SignUpMetadata{
		DisplayName:       nu.DisplayName,
		PreferredLanguage: nu.PreferredLanguage,
	})
	cancel()
	if err != nil {
		return newError(op, classify(err), errors.Wrap(err, "registering credential"))
	}
	if pcpl.Email == "" {
		pcpl.Email = nu.Email
	}
	if sess != nil && !s.opts.AutoSignInAfterRegister {
		// the backend announces this session too; the Listener must not adopt it
		s.decline(sess)
		sess = nil
	}

	at := s.now()
	idn := user.Identity{
		ID:        pcpl.ID,
		Email:     pcpl.Email,
		Role:      user.RoleStudent,
		IsActive:  true,
		CreatedAt: at,
		UpdatedAt: at,
	}
	rctx, cancel := s.callContext(ctx)
	defer cancel()
	if idn, err = s.repo.CreateIdentity(rctx, idn); err != nil {
		s.decline(sess)
		s.logger.Error(fmt.Sprintf("credential %s registered without identity row", pcpl.ID), err)
		return newError(op, KindBackendInconsistency, errors.Wrap(err, "creating identity row"))
	}

	prof, err := s.repo.CreateProfile(rctx, user.Profile{
		ID:                idn.ID,
		DisplayName:       user.NullString(nu.DisplayName),
		Roles:             []user.Role{user.RoleStudent},
		PreferredLanguage: nu.PreferredLanguage,
		CreatedAt:         at,
		UpdatedAt:         at,
	})
	if err != nil {
		s.decline(sess)
		s.logger.Error(fmt.Sprintf("identity %s created without profile row", idn.ID), err)
		return newError(op, KindBackendInconsistency, errors.Wrap(err, "creating profile row"))
	}

	if sess != nil {
		if ctx.Err() != nil {
			s.decline(sess)
			return nil
		}
		s.commit(nil, identityState{session: sess, user: &idn, profile: &prof}, false)
	}
	return nil
}

// decline marks a session issued by the backend that the store will not adopt.
func (s *Store) decline(sess *Session) {
	if sess == nil {
		return
	}
	s.mu.Lock()
	s.revokeLocked(sess.AccessToken)
	s.mu.Unlock()
}

// SignOut revokes the backend session, best effort, then clears the local state unconditionally.
func (s *Store) SignOut(ctx context.Context) {
	s.begin()
	defer s.end()

	s.mu.Lock()
	sess := s.session.Clone()
	s.mu.Unlock()

	cctx, cancel := s.callContext(ctx)
	err := s.backend.SignOut(cctx, sess)
	cancel()
	if err != nil {
		s.logger.Warn("revoking backend session", err)
	}

	s.commit(nil, identityState{}, true)
	s.recorder.ObserveAction(ActionSignOut, nil)
}

func (s *Store) revokeQuietly(ctx context.Context, sess *Session) {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.backend.SignOut(cctx, sess); err != nil {
		s.logger.Warn("revoking backend session", err)
	}
}

// UpdateProfile writes the partial update, then merges it into the local profile once the write
// is confirmed.
func (s *Store) UpdateProfile(ctx context.Context, upd user.ProfileUpdate) (err error) {
	const op = "auth.UpdateProfile"
	defer func() { s.recorder.ObserveAction(ActionUpdateProfile, err) }()

	s.mu.Lock()
	idn := s.user.Clone()
	s.mu.Unlock()
	if idn == nil {
		return newError(op, KindNotAuthenticated, ErrNotAuthenticated)
	}

	upd.Clean()
	if err := upd.Validate(s.validate); err != nil {
		return newError(op, KindInvalidInput, err)
	}
	if upd.IsEmpty() {
		return nil
	}

	at := s.now()
	cctx, cancel := s.callContext(ctx)
	saved, err := s.repo.UpdateProfile(cctx, idn.ID, upd, at)
	cancel()
	if err != nil {
		return newError(op, classify(err), errors.Wrap(err, "updating profile"))
	}
	if err := ctx.Err(); err != nil {
		return newError(op, classify(err), err)
	}

	s.mu.Lock()
	if s.user == nil || s.user.ID != idn.ID {
		// signed out or switched user meanwhile
		s.mu.Unlock()
		return nil
	}
	if s.profile != nil {
		merged := upd.Apply(*s.profile, at)
		s.profile = &merged
	} else {
		s.profile = &saved
	}
	s.mu.Unlock()

	s.publish(true)
	return nil
}

// Initialize asks the backend for the current session and resolves the state. Only one
// initialization runs at a time: concurrent callers wait for it and later calls are no-ops. A
// failed initialization may be retried.
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	switch s.latch {
	case latchDone:
		s.mu.Unlock()
		return
	case latchInFlight:
		done := s.latchDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	s.latch = latchInFlight
	done := make(chan struct{})
	s.latchDone = done
	epoch := s.epoch
	cached := s.session.Clone()
	s.mu.Unlock()

	s.begin()
	err := s.initialize(ctx, epoch, cached)
	s.end()

	s.mu.Lock()
	if err != nil {
		s.latch = latchNotStarted
	} else {
		s.latch = latchDone
	}
	close(done)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("initializing auth state", err)
	}
	s.recorder.ObserveAction(ActionInitialize, err)
}

func (s *Store) initialize(ctx context.Context, epoch uint64, cached *Session) error {
	const op = "auth.Initialize"
	unchanged := func() bool { return s.epoch == epoch }

	cctx, cancel := s.callContext(ctx)
	sess, err := s.backend.CurrentSession(cctx, cached)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			// keep the cached credential so a retry can look it up again
			s.commit(unchanged, identityState{session: cached}, false)
		}
		return newError(op, classify(err), errors.Wrap(err, "fetching current session"))
	}
	if !sess.Usable(s.now()) || s.declined(sess) {
		if err := ctx.Err(); err != nil {
			return newError(op, classify(err), err)
		}
		s.commit(unchanged, identityState{}, false)
		return nil
	}

	idn, prof, err := s.loadPrincipal(ctx, sess.UserID)
	switch {
	case errors.Is(err, user.ErrNotFound):
		s.logger.Warn(fmt.Sprintf("session %s has no identity row", sess.UserID))
		s.commit(unchanged, identityState{session: sess}, false)
		return nil
	case err != nil:
		if ctx.Err() == nil {
			s.commit(unchanged, identityState{session: cached}, false)
		}
		return newError(op, classify(err), err)
	case !idn.IsActive:
		s.logger.Warn(fmt.Sprintf("session %s belongs to a deactivated account", sess.UserID), idn)
		s.commit(unchanged, identityState{}, false)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return newError(op, classify(err), err)
	}
	s.commit(unchanged, identityState{session: sess, user: &idn, profile: prof}, false)
	return nil
}

// applySignedIn adopts a session announced by the backend. The write is dropped when the store was
// signed out after the event arrived or when the session was already revoked locally.
func (s *Store) applySignedIn(ctx context.Context, sess *Session) (bool, error) {
	if !sess.Usable(s.now()) {
		return false, nil
	}
	s.mu.Lock()
	signOuts := s.signOuts
	s.mu.Unlock()

	idn, prof, err := s.loadPrincipal(ctx, sess.UserID)
	if err != nil {
		return false, err
	}
	if !idn.IsActive {
		return false, ErrAccountInactive
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	accept := func() bool {
		return s.signOuts == signOuts && !s.revokedLocked(sess.AccessToken)
	}
	return s.commit(accept, identityState{session: sess.Clone(), user: &idn, profile: prof}, false), nil
}

// applySignedOut clears the state after the backend ended the session.
func (s *Store) applySignedOut() {
	s.commit(nil, identityState{}, true)
}
