package group

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web4msg/internal/crypto"
	"web4msg/internal/directory"
	"web4msg/internal/errs"
	"web4msg/internal/metrics"
	"web4msg/internal/proto"
	"web4msg/internal/store"
)

type party struct {
	kp *crypto.Keypair
	d  *Distributor
	m  *metrics.Metrics
}

func newParty(t *testing.T, st store.Store) party {
	t.Helper()
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	dir := directory.New(st, directory.Options{PollInterval: 5 * time.Millisecond, Timeout: 300 * time.Millisecond})
	_, err = dir.Publish(context.Background(), kp, "")
	require.NoError(t, err)
	m := metrics.New()
	return party{kp: kp, d: New(st, kp, dir, nil, m), m: m}
}

func newStore(t *testing.T) store.Store {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestCreateSharesKeyWithMembers(t *testing.T) {
	st := newStore(t)
	alice, bob, carol := newParty(t, st), newParty(t, st), newParty(t, st)
	ctx := context.Background()

	gid, err := alice.d.Create(ctx, "  friends ", []string{bob.kp.ID(), bob.kp.ID()})
	require.NoError(t, err)

	meta, ok, err := bob.d.Meta(ctx, gid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "friends", meta.Name)
	assert.Equal(t, alice.kp.ID(), meta.Creator)

	members, err := bob.d.Members(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.kp.ID(), bob.kp.ID()}, members)

	ak, ok := alice.d.Key(ctx, gid)
	require.True(t, ok)
	bk, ok := bob.d.Key(ctx, gid)
	require.True(t, ok)
	assert.Equal(t, ak, bk)

	_, ok = carol.d.Key(ctx, gid)
	assert.False(t, ok, "non-member has no key record")

	snap := alice.m.Snapshot()
	assert.EqualValues(t, 2, snap.Groups.KeysShared)
	assert.EqualValues(t, 1, snap.Groups.Created)
}

func TestFanOutSkipsUnresolvableMember(t *testing.T) {
	st := newStore(t)
	alice, bob := newParty(t, st), newParty(t, st)
	ghost, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	gid, err := alice.d.Create(context.Background(), "g", []string{ghost.ID(), bob.kp.ID()})
	require.NoError(t, err)
	_, ok := bob.d.Key(context.Background(), gid)
	assert.True(t, ok, "one failed member must not stop the others")
	assert.EqualValues(t, 1, alice.m.Snapshot().Groups.KeysFailed)
}

func TestCreateValidates(t *testing.T) {
	st := newStore(t)
	alice := newParty(t, st)
	_, err := alice.d.Create(context.Background(), "   ", nil)
	assert.True(t, errs.Is(err, errs.Validation))
	_, err = alice.d.Create(context.Background(), "g", []string{"bad id"})
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestAddMemberAndShareKey(t *testing.T) {
	st := newStore(t)
	alice, bob, carol := newParty(t, st), newParty(t, st), newParty(t, st)
	ctx := context.Background()
	gid, err := alice.d.Create(ctx, "g", []string{bob.kp.ID()})
	require.NoError(t, err)

	err = bob.d.AddMember(ctx, gid, carol.kp.ID())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Validation), "only the creator may add")

	require.NoError(t, alice.d.AddMember(ctx, gid, carol.kp.ID()))
	require.NoError(t, alice.d.AddMember(ctx, gid, carol.kp.ID()))
	members, err := alice.d.Members(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.kp.ID(), bob.kp.ID(), carol.kp.ID()}, members)

	_, ok := carol.d.Key(ctx, gid)
	assert.False(t, ok, "adding does not share the key")

	require.NoError(t, alice.d.ShareKey(ctx, gid, carol.kp.ID()))
	ck, ok := carol.d.Key(ctx, gid)
	require.True(t, ok)
	ak, _ := alice.d.Key(ctx, gid)
	assert.Equal(t, ak, ck)

	assert.True(t, errs.Is(alice.d.AddMember(ctx, "gmissing", carol.kp.ID()), errs.NotFound))
}

func TestKeyRecordWithoutCreator(t *testing.T) {
	st := newStore(t)
	bob := newParty(t, st)
	ctx := context.Background()

	key, err := crypto.RandomKey()
	require.NoError(t, err)
	gid := proto.NewGroupID()
	meta, _ := proto.Marshal(proto.GroupMeta{ID: gid, Name: "old"})
	require.NoError(t, store.WriteSync(ctx, st, metaPath(gid), meta))

	secret, err := crypto.SelfSecret(bob.kp)
	require.NoError(t, err)
	payload, _ := proto.Marshal(proto.GroupKeyPayload{GroupID: gid, GroupKey: encodeKey(key)})
	sealed, err := crypto.Encrypt(payload, secret)
	require.NoError(t, err)
	rec, _ := proto.Marshal(proto.GroupKeyRecord{Data: sealed})
	require.NoError(t, store.WriteSync(ctx, st, keyPath(gid, bob.kp.ID()), rec))

	got, ok := bob.d.Key(ctx, gid)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestKeyRejectsRecordForOtherGroup(t *testing.T) {
	st := newStore(t)
	alice, bob := newParty(t, st), newParty(t, st)
	ctx := context.Background()
	g1, err := alice.d.Create(ctx, "one", []string{bob.kp.ID()})
	require.NoError(t, err)
	g2, err := alice.d.Create(ctx, "two", []string{bob.kp.ID()})
	require.NoError(t, err)

	rec, ok, err := st.ReadOnce(ctx, keyPath(g1, bob.kp.ID()))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.WriteSync(ctx, st, keyPath(g2, bob.kp.ID()), rec))

	_, ok = bob.d.Key(ctx, g2)
	assert.False(t, ok)
}

func encodeKey(k []byte) string {
	return base64.StdEncoding.EncodeToString(k)
}
