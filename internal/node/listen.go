package node

import (
	"context"
	"time"

	"web4msg/internal/chain"
	"web4msg/internal/crypto"
	"web4msg/internal/debuglog"
	"web4msg/internal/errs"
	"web4msg/internal/metrics"
	"web4msg/internal/proto"
	"web4msg/internal/store"
)

const lookupTimeout = 5 * time.Second

// OnMessage registers cb for every delivered direct message.
func (n *Node) OnMessage(cb Handler) {
	if cb == nil {
		return
	}
	n.mu.Lock()
	n.handlers = append(n.handlers, cb)
	n.mu.Unlock()
}

// StartListening subscribes to this node's inbox. Messages already in the
// inbox are replayed and dropped as duplicates when seen before. Calling
// it while listening is a no-op.
func (n *Node) StartListening(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errs.New(errs.Validation, "listen", "node closed")
	}
	if n.inbox != nil && n.inboxCtx.Err() == nil {
		return nil
	}
	lctx, cancel := context.WithCancel(ctx)
	sub, err := n.st.Subscribe(lctx, inboxPath(n.self.ID()), n.handleInbox)
	if err != nil {
		cancel()
		return err
	}
	n.inbox = &cancelSub{Subscription: sub, cancel: cancel}
	n.inboxCtx = lctx
	n.log.Debugf("listening on %s", inboxPath(short(n.self.ID())))
	return nil
}

// StopListening closes the inbox subscription.
func (n *Node) StopListening() {
	n.mu.Lock()
	sub := n.inbox
	n.inbox, n.inboxCtx = nil, nil
	n.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (n *Node) IsListening() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.inbox != nil && n.inboxCtx.Err() == nil
}

type cancelSub struct {
	store.Subscription
	cancel context.CancelFunc
}

func (c *cancelSub) Close() {
	c.Subscription.Close()
	c.cancel()
}

func (n *Node) handleInbox(path string, value []byte) {
	msg, err := proto.Decode(value)
	if err != nil {
		n.metrics.IncDropMalformed()
		debuglog.RateLimitedf("node:malformed", 10*time.Second, "drop malformed envelope at %s: %v", path, err)
		return
	}
	h := msg.Head()
	if store.Base(path) != h.ID {
		n.metrics.IncDropMalformed()
		n.log.Debugf("drop %s: id does not match path", h.ID)
		return
	}
	if n.dedup.IsDuplicate(h.ID) {
		n.metrics.IncDropDuplicate()
		return
	}
	var out Message
	switch v := msg.(type) {
	case *proto.DirectEnvelope:
		out, err = n.openDirect(v)
	case *proto.LegacyEnvelope:
		out, err = n.openLegacy(v)
	default:
		n.metrics.IncDropMalformed()
		n.log.Debugf("drop %s: %s envelope in inbox", h.ID, msg.Kind())
		return
	}
	if err != nil {
		switch errs.KindOf(err) {
		case errs.Order:
			// An early index may be accepted on a later redelivery once the
			// gap fills; a replayed index stays rejected by the chain.
			n.dedup.Remove(h.ID)
			n.metrics.IncDropOrder()
		case errs.NotFound:
			// The sender is not resolvable yet; a redelivery may succeed.
			n.dedup.Remove(h.ID)
			n.metrics.IncDropCrypto()
		default:
			n.metrics.IncDropCrypto()
		}
		n.log.Debugf("drop %s from %s: %v", h.ID, short(h.From), err)
		return
	}
	n.metrics.IncReceived()
	n.metrics.Recent().Add(metrics.Event{Kind: "received", ID: out.ID, Peer: out.From, At: n.clk.Now()})
	n.log.Debugf("received %s from %s after %s", out.ID, short(out.From), sinceMillis(n.clk.Now(), out.Timestamp))
	n.dispatch(out)
}

// senderSecret prefers the sender's published key. An embedded key is
// used only when the sender has no identity in the directory, and must
// agree with it when it does.
func (n *Node) senderSecret(from, embedded string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	id, ok, err := n.dir.Lookup(ctx, from)
	if err != nil {
		return nil, err
	}
	epub := embedded
	switch {
	case ok && embedded != "" && embedded != id.EPub:
		return nil, errs.New(errs.Crypto, "open", "embedded key does not match published identity")
	case ok:
		epub = id.EPub
	case embedded == "":
		return nil, errs.New(errs.NotFound, "open", "sender identity unknown")
	}
	secret, err := n.secrets.derive(epub, n.self)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "open", err)
	}
	return secret, nil
}

func (n *Node) openDirect(v *proto.DirectEnvelope) (Message, error) {
	secret, err := n.senderSecret(v.From, v.SenderKey)
	if err != nil {
		return Message{}, err
	}
	self := n.self.ID()
	var plain []byte
	if v.HasIndex {
		want := chain.Digest(chain.PairKey(v.From, self))
		if v.ChainID != want {
			return Message{}, errs.New(errs.Crypto, "open", "chain id mismatch")
		}
		plain, err = crypto.DecryptAAD(v.Data, secret, crypto.BuildAAD("direct", v.Index, v.From, self, v.ChainID))
	} else {
		plain, err = crypto.Decrypt(v.Data, secret)
	}
	if err != nil {
		return Message{}, errs.Wrap(errs.Crypto, "open", err)
	}
	if v.HasIndex {
		key := chain.DirKey(v.From, self)
		release := n.locks.Lock("chain:" + key)
		err := n.chains.VerifyAndAccept(key, v.ID, v.Index)
		release()
		if err != nil {
			return Message{}, err
		}
	}
	return Message{
		ID:        v.ID,
		From:      v.From,
		Content:   string(plain),
		Timestamp: v.Timestamp,
		Index:     v.Index,
		HasIndex:  v.HasIndex,
	}, nil
}

func (n *Node) openLegacy(v *proto.LegacyEnvelope) (Message, error) {
	secret, err := n.secrets.derive(v.SenderKey, n.self)
	if err != nil {
		return Message{}, errs.Wrap(errs.Crypto, "open legacy", err)
	}
	plain, err := crypto.Decrypt(v.Content, secret)
	if err != nil {
		return Message{}, errs.Wrap(errs.Crypto, "open legacy", err)
	}
	return Message{ID: v.ID, From: v.From, Content: string(plain), Timestamp: v.Timestamp}, nil
}

func (n *Node) dispatch(m Message) {
	n.mu.RLock()
	hs := append([]Handler(nil), n.handlers...)
	n.mu.RUnlock()
	for _, h := range hs {
		n.call(h, m)
	}
}

func (n *Node) call(h Handler, m Message) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Errorf("message handler panicked on %s: %v", m.ID, r)
		}
	}()
	h(m)
}
