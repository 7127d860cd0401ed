package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Identity is the directory record published under users/<pub>/identity.
type Identity struct {
	Pub       string `json:"pub"`
	EPub      string `json:"epub"`
	Alias     string `json:"alias,omitempty"`
	Published int64  `json:"published"`
}

type GroupMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Creator   string `json:"creator,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// GroupKeyRecord is stored at groups/<gid>/keys/<member>. Data is the
// sealed GroupKeyPayload.
type GroupKeyRecord struct {
	Data     string `json:"data"`
	Creator  string `json:"creator,omitempty"`
	SharedAt int64  `json:"sharedAt"`
}

type GroupKeyPayload struct {
	GroupID  string `json:"groupId"`
	GroupKey string `json:"groupKey"`
	SharedAt int64  `json:"sharedAt"`
}

// ChainAudit is written under chains/<digest>/<index> for every sent
// message.
type ChainAudit struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Index     int64  `json:"index"`
	Timestamp int64  `json:"timestamp"`
}

func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes a stored record, rejecting empty input.
func Unmarshal(b []byte, v any) error {
	if len(b) == 0 {
		return fmt.Errorf("empty record")
	}
	return json.Unmarshal(b, v)
}

// NewMessageID returns a time-ordered id usable as a store path segment.
// Ids from one process sort in creation order.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// NewGroupID returns a random group id.
func NewGroupID() string {
	return "g" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// ContentDigest is a short hex digest of a message body, used in logs
// in place of the body.
func ContentDigest(b []byte) string {
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:8])
}
