package gateway

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/cordwire/cordwire/utils/ws"
)

// DefaultIdentity is the identity used by DefaultIdentifier.
var DefaultIdentity = IdentifyProperties{
	OS:      runtime.GOOS,
	Browser: "cordwire",
	Device:  "cordwire",
}

// Identifier holds the identify command and the limiters that throttle it.
// Identifiers derived with ForShard share their limiters, so every shard of a
// process is throttled by the same gate.
type Identifier struct {
	IdentifyCommand

	IdentifyShortLimit  *rate.Limiter `json:"-"`
	IdentifyGlobalLimit *rate.Limiter `json:"-"`
}

// DefaultIdentifier creates an Identifier for token with the default intents
// and a single shard.
func DefaultIdentifier(token string) *Identifier {
	return NewIdentifier(IdentifyCommand{
		Token:          token,
		Properties:     DefaultIdentity,
		LargeThreshold: 50,
		Intents:        DefaultIntents,
	})
}

// NewIdentifier creates an Identifier with fresh limiters allowing one
// identify per 5 seconds.
func NewIdentifier(cmd IdentifyCommand) *Identifier {
	return &Identifier{
		IdentifyCommand:     cmd,
		IdentifyShortLimit:  ws.NewIdentityLimiter(1),
		IdentifyGlobalLimit: ws.NewGlobalIdentityLimiter(),
	}
}

// SetMaxConcurrency replaces the short limiter to allow n identifies per 5
// seconds. It must be called before the Identifier is shared.
func (id *Identifier) SetMaxConcurrency(n int) {
	id.IdentifyShortLimit = ws.NewIdentityLimiter(n)
}

// ForShard returns a copy of the Identifier for the given shard. The copy
// shares the limiters of id.
func (id *Identifier) ForShard(shardID, numShards int) *Identifier {
	cp := *id
	cp.SetShard(shardID, numShards)
	return &cp
}

// ShardID returns the shard of the identifier, or 0 if it is unsharded.
func (id *Identifier) ShardID() int {
	if id.Shard == nil {
		return 0
	}
	return id.Shard.ShardID()
}

// Wait blocks until both limiters permit an identify.
func (id *Identifier) Wait(ctx context.Context) error {
	if err := id.IdentifyShortLimit.Wait(ctx); err != nil {
		return errors.Wrap(err, "can't wait for short limit")
	}
	if err := id.IdentifyGlobalLimit.Wait(ctx); err != nil {
		return errors.Wrap(err, "can't wait for global limit")
	}
	return nil
}
