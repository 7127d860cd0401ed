package node

import (
	"context"
	"time"

	"web4msg/internal/crypto"
	"web4msg/internal/errs"
	"web4msg/internal/group"
	"web4msg/internal/metrics"
	"web4msg/internal/proto"
	"web4msg/internal/retry"
	"web4msg/internal/store"
	"web4msg/internal/validate"
)

const (
	groupKeyAttempts = 5
	groupKeyBackoff  = 100 * time.Millisecond
	groupKeyMaxWait  = time.Second
)

func groupAAD(from, gid string) []byte {
	return crypto.BuildAAD("group", 0, from, "", gid)
}

// CreateGroup creates a group of members plus this node and shares its
// key with each of them.
func (n *Node) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	return n.groups.Create(ctx, name, members)
}

// AddMember appends member to a group this node created and shares the
// key with it.
func (n *Node) AddMember(ctx context.Context, gid, member string) error {
	if err := n.groups.AddMember(ctx, gid, member); err != nil {
		return err
	}
	return n.groups.ShareKey(ctx, gid, member)
}

// SendGroupMessage seals content under the group key and writes it to
// the group's message log.
func (n *Node) SendGroupMessage(ctx context.Context, gid, content string) (string, error) {
	id, err := n.sendGroup(ctx, gid, content)
	if err != nil {
		n.countSendError(err)
		return "", err
	}
	n.metrics.IncGroupMessageSent()
	n.metrics.Recent().Add(metrics.Event{Kind: "group_sent", ID: id, Peer: gid, At: n.clk.Now()})
	return id, nil
}

func (n *Node) sendGroup(ctx context.Context, gid, content string) (string, error) {
	if n.isClosed() {
		return "", errs.New(errs.Validation, "group send", "node closed")
	}
	if gid == "" || store.Clean(gid) != gid || store.Base(gid) != gid {
		return "", errs.New(errs.Validation, "group send", "invalid group id")
	}
	body := validate.Message(content)
	if !body.OK {
		return "", errs.New(errs.Validation, "group send", body.Reason)
	}
	if !n.limiter.Allow(n.self.ID()) {
		return "", errs.New(errs.RateLimited, "group send", "send rate exceeded")
	}
	key := "group-send:" + gid + ":" + proto.ContentDigest([]byte(body.Sanitized))
	v, err := n.flight.Execute(ctx, key, func(opCtx context.Context) (any, error) {
		gkey, ok := n.groups.Key(opCtx, gid)
		if !ok {
			return nil, errs.New(errs.NotFound, "group send", "group key unavailable")
		}
		from := n.self.ID()
		data, err := crypto.EncryptAAD([]byte(body.Sanitized), gkey, groupAAD(from, gid))
		if err != nil {
			return nil, errs.Wrap(errs.Crypto, "group send", err)
		}
		id := proto.NewMessageID()
		b, err := proto.Encode(&proto.GroupEnvelope{
			Header:  proto.Header{ID: id, From: from, Timestamp: n.clk.Now().UnixMilli()},
			GroupID: gid,
			Data:    data,
		})
		if err != nil {
			return nil, err
		}
		path := store.Join(group.MessagesPath(gid), id)
		err = retry.Do(opCtx, writeAttempts, writeBackoff, func(ctx context.Context) error {
			return store.WriteSync(ctx, n.st, path, b)
		})
		if err != nil {
			return nil, err
		}
		return id, nil
	}, n.opTimeout)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ListenGroup delivers every present and future message of gid to cb
// until the subscription or ctx ends. Messages that cannot be opened yet
// because the key has not arrived are retried briefly and then dropped.
func (n *Node) ListenGroup(ctx context.Context, gid string, cb Handler) (store.Subscription, error) {
	if gid == "" || cb == nil {
		return nil, errs.New(errs.Validation, "listen group", "group id and handler are required")
	}
	if n.isClosed() {
		return nil, errs.New(errs.Validation, "listen group", "node closed")
	}
	lctx, cancel := context.WithCancel(ctx)
	sub, err := n.st.Subscribe(lctx, group.MessagesPath(gid), func(path string, value []byte) {
		n.handleGroup(lctx, gid, path, value, cb)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	gs := &groupSub{cancelSub: cancelSub{Subscription: sub, cancel: cancel}, n: n}
	n.mu.Lock()
	n.groupSubs[gs] = struct{}{}
	n.mu.Unlock()
	return gs, nil
}

type groupSub struct {
	cancelSub
	n *Node
}

func (g *groupSub) Close() {
	g.n.mu.Lock()
	delete(g.n.groupSubs, g)
	g.n.mu.Unlock()
	g.cancelSub.Close()
}

func (n *Node) handleGroup(ctx context.Context, gid, path string, value []byte, cb Handler) {
	msg, err := proto.Decode(value)
	if err != nil {
		n.metrics.IncDropMalformed()
		return
	}
	v, ok := msg.(*proto.GroupEnvelope)
	if !ok || v.GroupID != gid || store.Base(path) != v.ID {
		n.metrics.IncDropMalformed()
		return
	}
	dedupKey := "group:" + gid + ":" + v.ID
	if n.dedup.IsDuplicate(dedupKey) {
		n.metrics.IncDropDuplicate()
		return
	}
	var gkey []byte
	err = retry.DoMax(ctx, groupKeyAttempts, groupKeyBackoff, groupKeyMaxWait, func(ctx context.Context) error {
		k, ok := n.groups.Key(ctx, gid)
		if !ok {
			return errs.New(errs.NotFound, "group key", gid)
		}
		gkey = k
		return nil
	})
	if err != nil {
		n.dedup.Remove(dedupKey)
		n.metrics.IncDropCrypto()
		n.log.Debugf("group %s message %s: key unavailable: %v", gid, v.ID, err)
		return
	}
	plain, err := crypto.DecryptAAD(v.Data, gkey, groupAAD(v.From, gid))
	if err != nil {
		n.metrics.IncDropCrypto()
		n.log.Debugf("group %s message %s: %v", gid, v.ID, err)
		return
	}
	n.metrics.IncGroupMessageReceived()
	n.metrics.IncReceived()
	n.call(cb, Message{
		ID:        v.ID,
		From:      v.From,
		Content:   string(plain),
		Timestamp: v.Timestamp,
		GroupID:   gid,
	})
}
