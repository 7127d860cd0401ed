// Package directory publishes and resolves identities and usernames in
// the shared store.
//
// Identities live at users/<pub>/identity, the username claimed by an
// identity at users/<pub>/username and the owner of a username at
// usernames/<name>. The store gives no compare-and-set, so two identities
// racing for one name may both believe they won; the later write owns
// the name.
package directory

import (
	"context"
	"sync"
	"time"

	"web4msg/internal/crypto"
	"web4msg/internal/errs"
	"web4msg/internal/proto"
	"web4msg/internal/store"
	"web4msg/internal/validate"
)

const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultTimeout      = 10 * time.Second
)

type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

type Directory struct {
	st      store.Store
	poll    time.Duration
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]proto.Identity
}

func New(st store.Store, opts Options) *Directory {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Directory{st: st, poll: opts.PollInterval, timeout: opts.Timeout, cache: make(map[string]proto.Identity)}
}

func identityPath(pub string) string { return store.Join("users", pub, "identity") }
func usernamePath(pub string) string { return store.Join("users", pub, "username") }
func ownerPath(name string) string   { return store.Join("usernames", name) }

// Publish announces kp under its public id and waits for the write.
func (d *Directory) Publish(ctx context.Context, kp *crypto.Keypair, alias string) (proto.Identity, error) {
	id := proto.Identity{
		Pub:       kp.ID(),
		EPub:      kp.EncryptionKey(),
		Alias:     alias,
		Published: time.Now().UnixMilli(),
	}
	b, err := proto.Marshal(id)
	if err != nil {
		return proto.Identity{}, err
	}
	if err := store.WriteSync(ctx, d.st, identityPath(id.Pub), b); err != nil {
		return proto.Identity{}, err
	}
	d.remember(id)
	return id, nil
}

func (d *Directory) remember(id proto.Identity) {
	d.mu.Lock()
	d.cache[id.Pub] = id
	d.mu.Unlock()
}

// Lookup reads an identity once without waiting.
func (d *Directory) Lookup(ctx context.Context, pub string) (proto.Identity, bool, error) {
	d.mu.RLock()
	id, ok := d.cache[pub]
	d.mu.RUnlock()
	if ok {
		return id, true, nil
	}
	b, ok, err := d.st.ReadOnce(ctx, identityPath(pub))
	if err != nil || !ok {
		return proto.Identity{}, false, err
	}
	if err := proto.Unmarshal(b, &id); err != nil || id.Pub != pub || id.EPub == "" {
		return proto.Identity{}, false, nil
	}
	d.remember(id)
	return id, true, nil
}

// Resolve polls for pub's identity until it appears or the directory
// timeout passes.
func (d *Directory) Resolve(ctx context.Context, pub string) (proto.Identity, error) {
	if r := validate.Identity(pub); !r.OK {
		return proto.Identity{}, errs.New(errs.Validation, "resolve", r.Reason)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	t := time.NewTicker(d.poll)
	defer t.Stop()
	for {
		id, ok, err := d.Lookup(ctx, pub)
		if ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
			return proto.Identity{}, errs.Wrap(errs.NotFound, "resolve", err)
		case <-t.C:
		}
	}
}

// RegisterUsername claims name for pub. Claiming a name pub already owns
// succeeds.
func (d *Directory) RegisterUsername(ctx context.Context, name, pub string) (string, error) {
	r := validate.Username(name)
	if !r.OK {
		return "", errs.New(errs.Validation, "register username", r.Reason)
	}
	name = r.Sanitized
	owner, taken, err := d.SearchUser(ctx, name)
	if err != nil {
		return "", err
	}
	if taken && owner != pub {
		return "", errs.New(errs.Validation, "register username", "username already taken")
	}
	if err := store.WriteSync(ctx, d.st, ownerPath(name), []byte(pub)); err != nil {
		return "", err
	}
	if err := d.releasePrevious(ctx, pub, name); err != nil {
		return "", err
	}
	if err := store.WriteSync(ctx, d.st, usernamePath(pub), []byte(name)); err != nil {
		return "", err
	}
	return name, nil
}

// releasePrevious frees the name pub held before claiming name. The store
// has no delete, so an empty owner marks the name free. A name already
// taken over by someone else is left alone.
func (d *Directory) releasePrevious(ctx context.Context, pub, name string) error {
	b, ok, err := d.st.ReadOnce(ctx, usernamePath(pub))
	if err != nil || !ok || len(b) == 0 || string(b) == name {
		return err
	}
	prev := string(b)
	owner, taken, err := d.SearchUser(ctx, prev)
	if err != nil || !taken || owner != pub {
		return err
	}
	return store.WriteSync(ctx, d.st, ownerPath(prev), []byte{})
}

// SearchUser returns the identity owning name.
func (d *Directory) SearchUser(ctx context.Context, name string) (string, bool, error) {
	r := validate.Username(name)
	if !r.OK {
		return "", false, errs.New(errs.Validation, "search user", r.Reason)
	}
	b, ok, err := d.st.ReadOnce(ctx, ownerPath(r.Sanitized))
	if err != nil || !ok || len(b) == 0 {
		return "", false, err
	}
	return string(b), true, nil
}

func (d *Directory) IsUsernameAvailable(ctx context.Context, name string) (bool, error) {
	_, taken, err := d.SearchUser(ctx, name)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

// GetUsername returns the name pub registered, if it still owns it.
func (d *Directory) GetUsername(ctx context.Context, pub string) (string, bool, error) {
	b, ok, err := d.st.ReadOnce(ctx, usernamePath(pub))
	if err != nil || !ok || len(b) == 0 {
		return "", false, err
	}
	name := string(b)
	owner, found, err := d.SearchUser(ctx, name)
	if err != nil || !found || owner != pub {
		return "", false, err
	}
	return name, true, nil
}
