package node

import "context"

// RegisterUsername claims name for this node and returns the normalized
// form. Re-registering the name this node already owns succeeds.
func (n *Node) RegisterUsername(ctx context.Context, name string) (string, error) {
	return n.dir.RegisterUsername(ctx, name, n.self.ID())
}

func (n *Node) SearchUser(ctx context.Context, name string) (string, bool, error) {
	return n.dir.SearchUser(ctx, name)
}

func (n *Node) IsUsernameAvailable(ctx context.Context, name string) (bool, error) {
	return n.dir.IsUsernameAvailable(ctx, name)
}

// GetUsername returns the name registered by pub, or this node's own
// name when pub is empty.
func (n *Node) GetUsername(ctx context.Context, pub string) (string, bool, error) {
	if pub == "" {
		pub = n.self.ID()
	}
	return n.dir.GetUsername(ctx, pub)
}
