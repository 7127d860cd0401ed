// Package group distributes one symmetric key per group to its members.
//
// The creator seals the key separately for every member under their
// pairwise secret and writes it to groups/<gid>/keys/<member>. Members
// recover it on demand and cache it for the life of the process.
package group

import (
	"context"
	"encoding/base64"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"web4msg/internal/crypto"
	"web4msg/internal/debuglog"
	"web4msg/internal/errs"
	"web4msg/internal/lock"
	"web4msg/internal/metrics"
	"web4msg/internal/proto"
	"web4msg/internal/store"
	"web4msg/internal/validate"
)

// Resolver finds a member's published identity.
type Resolver interface {
	Resolve(ctx context.Context, pub string) (proto.Identity, error)
}

type Distributor struct {
	st    store.Store
	self  *crypto.Keypair
	dir   Resolver
	locks *lock.KeyedMutex
	m     *metrics.Metrics
	log   *zap.SugaredLogger

	mu   sync.RWMutex
	keys map[string][]byte
}

func New(st store.Store, self *crypto.Keypair, dir Resolver, locks *lock.KeyedMutex, m *metrics.Metrics) *Distributor {
	if locks == nil {
		locks = lock.New()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Distributor{
		st:    st,
		self:  self,
		dir:   dir,
		locks: locks,
		m:     m,
		log:   debuglog.Named("group"),
		keys:  make(map[string][]byte),
	}
}

func metaPath(gid string) string          { return store.Join("groups", gid, "meta") }
func membersPath(gid string) string       { return store.Join("groups", gid, "members") }
func keyPath(gid, member string) string   { return store.Join("groups", gid, "keys", member) }
func MessagesPath(gid string) string      { return store.Join("groups", gid, "messages") }
func memberPath(gid string, i int) string { return store.Join(membersPath(gid), strconv.Itoa(i)) }

// Create makes a group of members plus the caller, publishes its
// metadata and roster, and shares the key with every member. Members
// whose key cannot be shared are logged and skipped.
func (d *Distributor) Create(ctx context.Context, name string, members []string) (string, error) {
	r := validate.GroupName(name)
	if !r.OK {
		return "", errs.New(errs.Validation, "create group", r.Reason)
	}
	roster := []string{d.self.ID()}
	seen := map[string]bool{d.self.ID(): true}
	for _, m := range members {
		if v := validate.Identity(m); !v.OK {
			return "", errs.New(errs.Validation, "create group", "member "+v.Reason)
		}
		if !seen[m] {
			seen[m] = true
			roster = append(roster, m)
		}
	}
	key, err := crypto.RandomKey()
	if err != nil {
		return "", err
	}
	gid := proto.NewGroupID()
	meta := proto.GroupMeta{ID: gid, Name: r.Sanitized, Creator: d.self.ID(), CreatedAt: time.Now().UnixMilli()}
	b, err := proto.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := store.WriteSync(ctx, d.st, metaPath(gid), b); err != nil {
		return "", err
	}
	for i, m := range roster {
		if err := store.WriteSync(ctx, d.st, memberPath(gid, i), []byte(m)); err != nil {
			return "", err
		}
	}
	d.cache(gid, key)
	d.m.IncGroupCreated()

	var wg sync.WaitGroup
	for _, m := range roster {
		wg.Add(1)
		go func(member string) {
			defer wg.Done()
			if err := d.share(ctx, gid, key, member); err != nil {
				d.m.IncGroupKeyFailed()
				d.log.Warnf("share key %s with %s failed: %v", gid, member, err)
				return
			}
			d.m.IncGroupKeyShared()
		}(m)
	}
	wg.Wait()
	return gid, nil
}

func (d *Distributor) cache(gid string, key []byte) {
	d.mu.Lock()
	d.keys[gid] = key
	d.mu.Unlock()
}

func (d *Distributor) cached(gid string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	k, ok := d.keys[gid]
	return k, ok
}

// secretWith returns the pairwise secret between the caller and pub.
func (d *Distributor) secretWith(ctx context.Context, pub string) ([]byte, error) {
	if pub == d.self.ID() {
		return crypto.SelfSecret(d.self)
	}
	id, err := d.dir.Resolve(ctx, pub)
	if err != nil {
		return nil, err
	}
	epub, err := crypto.DecodeKey(id.EPub)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "decode encryption key", err)
	}
	secret, err := crypto.DeriveSharedSecret(epub, d.self)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "derive secret", err)
	}
	return secret, nil
}

func (d *Distributor) share(ctx context.Context, gid string, key []byte, member string) error {
	secret, err := d.secretWith(ctx, member)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	payload, err := proto.Marshal(proto.GroupKeyPayload{
		GroupID:  gid,
		GroupKey: base64.StdEncoding.EncodeToString(key),
		SharedAt: now,
	})
	if err != nil {
		return err
	}
	sealed, err := crypto.Encrypt(payload, secret)
	if err != nil {
		return errs.Wrap(errs.Crypto, "seal group key", err)
	}
	rec, err := proto.Marshal(proto.GroupKeyRecord{Data: sealed, Creator: d.self.ID(), SharedAt: now})
	if err != nil {
		return err
	}
	return store.WriteSync(ctx, d.st, keyPath(gid, member), rec)
}

// Meta reads the group's metadata.
func (d *Distributor) Meta(ctx context.Context, gid string) (proto.GroupMeta, bool, error) {
	b, ok, err := d.st.ReadOnce(ctx, metaPath(gid))
	if err != nil || !ok {
		return proto.GroupMeta{}, false, err
	}
	var meta proto.GroupMeta
	if err := proto.Unmarshal(b, &meta); err != nil {
		return proto.GroupMeta{}, false, errs.Wrap(errs.Validation, "group meta", err)
	}
	return meta, true, nil
}

// Key returns the group key, fetching and opening the caller's key
// record on first use. Absent means not yet processable.
func (d *Distributor) Key(ctx context.Context, gid string) ([]byte, bool) {
	if k, ok := d.cached(gid); ok {
		return k, true
	}
	var key []byte
	_ = d.locks.WithLock(ctx, "group-key:"+gid, func() error {
		if k, ok := d.cached(gid); ok {
			key = k
			return nil
		}
		k, err := d.fetchKey(ctx, gid)
		if err != nil {
			d.log.Debugf("group key %s unavailable: %v", gid, err)
			return err
		}
		d.cache(gid, k)
		key = k
		return nil
	})
	return key, key != nil
}

func (d *Distributor) fetchKey(ctx context.Context, gid string) ([]byte, error) {
	b, ok, err := d.st.ReadOnce(ctx, keyPath(gid, d.self.ID()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.NotFound, "group key", "no key record for this member")
	}
	var rec proto.GroupKeyRecord
	if err := proto.Unmarshal(b, &rec); err != nil {
		return nil, errs.Wrap(errs.Validation, "group key record", err)
	}
	meta, _, err := d.Meta(ctx, gid)
	if err != nil {
		return nil, err
	}
	var secret []byte
	if meta.Creator == "" {
		// Records from before the creator was stored are sealed to the
		// member alone.
		secret, err = crypto.SelfSecret(d.self)
	} else {
		secret, err = d.secretWith(ctx, meta.Creator)
	}
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Decrypt(rec.Data, secret)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "open group key", err)
	}
	var payload proto.GroupKeyPayload
	if err := proto.Unmarshal(plain, &payload); err != nil {
		return nil, errs.Wrap(errs.Validation, "group key payload", err)
	}
	if payload.GroupID != gid {
		return nil, errs.New(errs.Crypto, "group key", "record belongs to another group")
	}
	key, err := base64.StdEncoding.DecodeString(payload.GroupKey)
	if err != nil || len(key) != crypto.XKeySize {
		return nil, errs.New(errs.Crypto, "group key", "malformed key")
	}
	return key, nil
}

// Members returns the roster in index order.
func (d *Distributor) Members(ctx context.Context, gid string) ([]string, error) {
	entries, err := d.st.List(ctx, membersPath(gid))
	if err != nil {
		return nil, err
	}
	type slot struct {
		i   int
		pub string
	}
	slots := make([]slot, 0, len(entries))
	for p, v := range entries {
		i, err := strconv.Atoi(store.Base(p))
		if err != nil {
			continue
		}
		slots = append(slots, slot{i: i, pub: string(v)})
	}
	sort.Slice(slots, func(a, b int) bool { return slots[a].i < slots[b].i })
	out := make([]string, 0, len(slots))
	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		if !seen[s.pub] {
			seen[s.pub] = true
			out = append(out, s.pub)
		}
	}
	return out, nil
}

func (d *Distributor) requireCreator(ctx context.Context, op, gid string) error {
	meta, ok, err := d.Meta(ctx, gid)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.NotFound, op, "unknown group")
	}
	if meta.Creator != d.self.ID() {
		return errs.New(errs.Validation, op, "only the group creator may do this")
	}
	return nil
}

// AddMember appends member to the roster. It does not share the key;
// call ShareKey for that.
func (d *Distributor) AddMember(ctx context.Context, gid, member string) error {
	if v := validate.Identity(member); !v.OK {
		return errs.New(errs.Validation, "add member", v.Reason)
	}
	if err := d.requireCreator(ctx, "add member", gid); err != nil {
		return err
	}
	return d.locks.WithLock(ctx, "group-roster:"+gid, func() error {
		entries, err := d.st.List(ctx, membersPath(gid))
		if err != nil {
			return err
		}
		next := 0
		for p, v := range entries {
			if string(v) == member {
				return nil
			}
			if i, err := strconv.Atoi(store.Base(p)); err == nil && i >= next {
				next = i + 1
			}
		}
		return store.WriteSync(ctx, d.st, memberPath(gid, next), []byte(member))
	})
}

// ShareKey seals the group key for one member. Only the creator holds
// the pairwise secrets that members expect.
func (d *Distributor) ShareKey(ctx context.Context, gid, member string) error {
	if err := d.requireCreator(ctx, "share key", gid); err != nil {
		return err
	}
	key, ok := d.Key(ctx, gid)
	if !ok {
		return errs.New(errs.NotFound, "share key", "group key unavailable")
	}
	if err := d.share(ctx, gid, key, member); err != nil {
		d.m.IncGroupKeyFailed()
		return err
	}
	d.m.IncGroupKeyShared()
	return nil
}
