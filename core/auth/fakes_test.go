package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tekpounou/platform/core/user"
)

type fakeAccount struct {
	id       string
	password string
}

// fakeBackend is an in-process identity backend with switchable failures.
type fakeBackend struct {
	mu       sync.Mutex
	accounts map[string]fakeAccount // by email
	current  *Session
	tokenSeq int

	signInErr       error
	signUpErr       error
	signOutErr      error
	currentErr      error
	signUpNoSession bool
	lastCached      *Session

	currentCalls int32
	signOutCalls int32

	// when set, CurrentSession signals `entered` then waits for `release`
	entered chan struct{}
	release chan struct{}
}

var _ Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{accounts: make(map[string]fakeAccount)}
}

func (b *fakeBackend) addAccount(id, email, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[email] = fakeAccount{id: id, password: password}
}

// issue must be called with b.mu held.
func (b *fakeBackend) issue(id string) *Session {
	b.tokenSeq++
	return &Session{
		AccessToken:  fmt.Sprintf("access-%d", b.tokenSeq),
		RefreshToken: fmt.Sprintf("refresh-%d", b.tokenSeq),
		TokenType:    "bearer",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		UserID:       id,
	}
}

// newSession issues a session and makes it the current one.
func (b *fakeBackend) newSession(id string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.issue(id)
	return b.current.Clone()
}

func (b *fakeBackend) setCurrentErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.currentErr = err
}

func (b *fakeBackend) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signInErr != nil {
		return nil, b.signInErr
	}
	acc, ok := b.accounts[email]
	if !ok || acc.password != password {
		return nil, ErrInvalidCredentials
	}
	b.current = b.issue(acc.id)
	return b.current.Clone(), nil
}

func (b *fakeBackend) SignUp(ctx context.Context, email, password string, meta SignUpMetadata) (Principal, *Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.signUpErr != nil {
		return Principal{}, nil, b.signUpErr
	}
	if _, ok := b.accounts[email]; ok {
		return Principal{}, nil, ErrEmailTaken
	}
	id := fmt.Sprintf("user-%d", len(b.accounts)+1)
	b.accounts[email] = fakeAccount{id: id, password: password}
	if b.signUpNoSession {
		return Principal{ID: id, Email: email}, nil, nil
	}
	b.current = b.issue(id)
	return Principal{ID: id, Email: email}, b.current.Clone(), nil
}

func (b *fakeBackend) CurrentSession(ctx context.Context, cached *Session) (*Session, error) {
	atomic.AddInt32(&b.currentCalls, 1)
	if b.release != nil {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCached = cached.Clone()
	if b.currentErr != nil {
		return nil, b.currentErr
	}
	return b.current.Clone(), nil
}

func (b *fakeBackend) SignOut(ctx context.Context, session *Session) error {
	atomic.AddInt32(&b.signOutCalls, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = nil
	return b.signOutErr
}

// memPersister keeps the last saved snapshot.
type memPersister struct {
	mu      sync.Mutex
	snap    *Snapshot
	saves   int
	saveErr error
}

var _ Persister = (*memPersister)(nil)

func (p *memPersister) Load() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil {
		return Snapshot{}, false
	}
	return *p.snap, true
}

func (p *memPersister) Save(snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.snap = &snap
	return nil
}

func (p *memPersister) last() *Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// flakyRepo fails selected repository calls.
type flakyRepo struct {
	user.Repository
	lastLoginErr     error
	createProfileErr error
	updateProfileErr error
	getIdentityErr   error
}

func (r *flakyRepo) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	if r.lastLoginErr != nil {
		return r.lastLoginErr
	}
	return r.Repository.SetLastLogin(ctx, id, at)
}

func (r *flakyRepo) CreateProfile(ctx context.Context, prof user.Profile) (user.Profile, error) {
	if r.createProfileErr != nil {
		return user.Profile{}, r.createProfileErr
	}
	return r.Repository.CreateProfile(ctx, prof)
}

func (r *flakyRepo) UpdateProfile(ctx context.Context, id string, upd user.ProfileUpdate, at time.Time) (user.Profile, error) {
	if r.updateProfileErr != nil {
		return user.Profile{}, r.updateProfileErr
	}
	return r.Repository.UpdateProfile(ctx, id, upd, at)
}

func (r *flakyRepo) GetIdentity(ctx context.Context, id string) (user.Identity, error) {
	if r.getIdentityErr != nil {
		return user.Identity{}, r.getIdentityErr
	}
	return r.Repository.GetIdentity(ctx, id)
}

// chanSource replays whatever is sent on it.
type chanSource chan Event

func (c chanSource) Events(ctx context.Context) <-chan Event {
	return c
}
