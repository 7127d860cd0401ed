package node

import (
	"context"
	"strconv"
	"time"

	"web4msg/internal/chain"
	"web4msg/internal/crypto"
	"web4msg/internal/errs"
	"web4msg/internal/metrics"
	"web4msg/internal/proto"
	"web4msg/internal/retry"
	"web4msg/internal/store"
	"web4msg/internal/validate"
)

// SendResult reports the outcome of Send. Err carries an *errs.Error for
// validation, rate, capacity and timeout rejections. A Timeout means the
// message may still be written.
type SendResult struct {
	Success   bool
	MessageID string
	Err       error
}

type outgoing struct {
	to      string
	content string
}

func inboxPath(to string) string { return store.Join("inbox", to) }
func chainAuditPath(key string, idx int64) string {
	return store.Join("chains", chain.Digest(key), strconv.FormatInt(idx, 10))
}

// Send encrypts content for to and writes it to to's inbox as the next
// message of the self→to chain.
func (n *Node) Send(ctx context.Context, to, content string) SendResult {
	return n.SendPriority(ctx, to, content, 0)
}

// SendPriority is Send with an explicit queue priority; higher goes
// first within a batch window. Identical concurrent sends of the same
// content to the same peer share one delivery and one message id.
func (n *Node) SendPriority(ctx context.Context, to, content string, priority int) SendResult {
	start := n.clk.Now()
	id, err := n.send(ctx, to, content, priority)
	if err != nil {
		n.countSendError(err)
		n.log.Debugf("send to %s failed: %v", short(to), err)
		return SendResult{Err: err}
	}
	n.metrics.IncSent()
	n.metrics.ObserveLatency(n.clk.Now().Sub(start))
	n.metrics.Recent().Add(metrics.Event{Kind: "sent", ID: id, Peer: to, At: n.clk.Now()})
	return SendResult{Success: true, MessageID: id}
}

func (n *Node) send(ctx context.Context, to, content string, priority int) (string, error) {
	if n.isClosed() {
		return "", errs.New(errs.Validation, "send", "node closed")
	}
	r := validate.Identity(to)
	if !r.OK {
		return "", errs.New(errs.Validation, "send", "recipient "+r.Reason)
	}
	to = r.Sanitized
	body := validate.Message(content)
	if !body.OK {
		return "", errs.New(errs.Validation, "send", body.Reason)
	}
	if !n.limiter.Allow(n.self.ID()) {
		return "", errs.New(errs.RateLimited, "send", "send rate exceeded")
	}
	key := "send:" + to + ":" + proto.ContentDigest([]byte(body.Sanitized))
	v, shared, err := n.flight.ExecuteShared(ctx, key, func(opCtx context.Context) (any, error) {
		return n.queue.Enqueue(outgoing{to: to, content: body.Sanitized}, priority).Wait(opCtx)
	}, n.opTimeout)
	if err != nil {
		return "", err
	}
	if shared {
		n.log.Debugf("send to %s coalesced onto %v", short(to), v)
	}
	return v.(string), nil
}

// deliver is the batch processor: it assigns the next chain index,
// seals and writes one message under the chain's lock.
func (n *Node) deliver(ctx context.Context, o outgoing) (string, error) {
	peer, err := n.dir.Resolve(ctx, o.to)
	if err != nil {
		return "", err
	}
	secret, err := n.secrets.derive(peer.EPub, n.self)
	if err != nil {
		return "", errs.Wrap(errs.Crypto, "send", err)
	}

	from := n.self.ID()
	dirKey := chain.DirKey(from, o.to)
	release, err := n.locks.Acquire(ctx, "chain:"+dirKey)
	if err != nil {
		return "", err
	}
	defer release()

	idx := n.chains.Next(dirKey)
	id := proto.NewMessageID()
	chainID := chain.Digest(chain.PairKey(from, o.to))
	data, err := crypto.EncryptAAD([]byte(o.content), secret, crypto.BuildAAD("direct", idx, from, o.to, chainID))
	if err != nil {
		return "", errs.Wrap(errs.Crypto, "send", err)
	}
	b, err := proto.Encode(&proto.DirectEnvelope{
		Header:    proto.Header{ID: id, From: from, Timestamp: n.clk.Now().UnixMilli()},
		Data:      data,
		ChainID:   chainID,
		Index:     idx,
		HasIndex:  true,
		SenderKey: n.self.EncryptionKey(),
	})
	if err != nil {
		return "", err
	}
	path := store.Join(inboxPath(o.to), id)
	err = retry.Do(ctx, writeAttempts, writeBackoff, func(ctx context.Context) error {
		return n.st.Write(ctx, path, b, func(err error) {
			if err != nil {
				n.metrics.IncFailed()
				n.log.Warnf("write %s not acknowledged: %v", id, err)
			}
		})
	})
	if err != nil {
		return "", err
	}
	// The index is committed once the write is issued.
	if err := n.chains.RecordSent(dirKey, id, idx); err != nil {
		return "", err
	}
	n.audit(ctx, dirKey, id, idx)
	return id, nil
}

func (n *Node) audit(ctx context.Context, dirKey, id string, idx int64) {
	b, err := proto.Marshal(proto.ChainAudit{ID: id, From: n.self.ID(), Index: idx, Timestamp: n.clk.Now().UnixMilli()})
	if err != nil {
		return
	}
	if err := n.st.Write(ctx, chainAuditPath(dirKey, idx), b, nil); err != nil {
		n.log.Debugf("chain audit %d failed: %v", idx, err)
	}
}

func (n *Node) countSendError(err error) {
	switch errs.KindOf(err) {
	case errs.Validation:
		n.metrics.IncRejectValidation()
	case errs.RateLimited:
		n.metrics.IncRejectRateLimit()
	case errs.Capacity:
		n.metrics.IncRejectCapacity()
	case errs.Timeout:
		n.metrics.IncRejectTimeout()
	default:
		n.metrics.IncFailed()
	}
}

// sinceMillis is used by listeners to log delivery lag.
func sinceMillis(now time.Time, ts int64) time.Duration {
	if ts <= 0 {
		return 0
	}
	return now.Sub(time.UnixMilli(ts))
}
