// Package discord contains the identifier types shared by the gateway and
// voice packages.
package discord

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Epoch is the snowflake epoch as a duration since the Unix epoch.
const Epoch = 1420070400000 * time.Millisecond

// ErrInvalidSnowflake is returned when a string is not a decimal snowflake.
var ErrInvalidSnowflake = errors.New("invalid snowflake")

// Snowflake is a 64-bit unique identifier. The top 42 bits are a millisecond
// timestamp.
type Snowflake uint64

// NullSnowflake marshals into a JSON null.
const NullSnowflake Snowflake = 0

// NewSnowflake creates a snowflake for the given time with all other bits
// zeroed.
func NewSnowflake(t time.Time) Snowflake {
	ms := (time.Duration(t.UnixNano()) - Epoch) / time.Millisecond
	return Snowflake(uint64(ms) << 22)
}

// ParseSnowflake parses a decimal snowflake.
func ParseSnowflake(s string) (Snowflake, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidSnowflake, "%q", s)
	}
	return Snowflake(u), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (s *Snowflake) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "null" || str == "" {
		*s = NullSnowflake
		return nil
	}

	v, err := ParseSnowflake(str)
	if err != nil {
		return err
	}

	*s = v
	return nil
}

// MarshalJSON encodes the snowflake as a quoted string, or null if it is
// invalid.
func (s Snowflake) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return []byte("null"), nil
	}
	return []byte(`"` + s.String() + `"`), nil
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// IsValid returns true if the snowflake is not null.
func (s Snowflake) IsValid() bool {
	return s != NullSnowflake
}

// Time returns the creation time embedded in the snowflake.
func (s Snowflake) Time() time.Time {
	return time.Unix(0, int64(time.Duration(s>>22)*time.Millisecond+Epoch))
}

// GuildID is the snowflake of a guild.
type GuildID Snowflake

// ParseGuildID parses a decimal guild ID.
func ParseGuildID(s string) (GuildID, error) {
	sf, err := ParseSnowflake(s)
	return GuildID(sf), err
}

func (id GuildID) String() string                { return Snowflake(id).String() }
func (id GuildID) IsValid() bool                 { return Snowflake(id).IsValid() }
func (id GuildID) MarshalJSON() ([]byte, error)  { return Snowflake(id).MarshalJSON() }
func (id *GuildID) UnmarshalJSON(b []byte) error { return (*Snowflake)(id).UnmarshalJSON(b) }

// ShardOf returns the index of the shard, out of count, that receives the
// events of this guild.
func (id GuildID) ShardOf(count int) int {
	if count <= 1 {
		return 0
	}
	return int((uint64(id) >> 22) % uint64(count))
}

// ChannelID is the snowflake of a channel.
type ChannelID Snowflake

// ParseChannelID parses a decimal channel ID.
func ParseChannelID(s string) (ChannelID, error) {
	sf, err := ParseSnowflake(s)
	return ChannelID(sf), err
}

func (id ChannelID) String() string                { return Snowflake(id).String() }
func (id ChannelID) IsValid() bool                 { return Snowflake(id).IsValid() }
func (id ChannelID) MarshalJSON() ([]byte, error)  { return Snowflake(id).MarshalJSON() }
func (id *ChannelID) UnmarshalJSON(b []byte) error { return (*Snowflake)(id).UnmarshalJSON(b) }

// UserID is the snowflake of a user.
type UserID Snowflake

func (id UserID) String() string                { return Snowflake(id).String() }
func (id UserID) IsValid() bool                 { return Snowflake(id).IsValid() }
func (id UserID) MarshalJSON() ([]byte, error)  { return Snowflake(id).MarshalJSON() }
func (id *UserID) UnmarshalJSON(b []byte) error { return (*Snowflake)(id).UnmarshalJSON(b) }
