package discord

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseSnowflake(t *testing.T) {
	sf, err := ParseSnowflake("175928847299117063")
	if err != nil {
		t.Fatal("failed to parse:", err)
	}

	if sf != 175928847299117063 {
		t.Fatalf("unexpected snowflake %d", sf)
	}

	want := time.Date(2016, 4, 30, 11, 18, 25, 796*int(time.Millisecond), time.UTC)
	if got := sf.Time().UTC(); !got.Equal(want) {
		t.Fatalf("expected time %v, got %v", want, got)
	}
}

func TestParseSnowflakeInvalid(t *testing.T) {
	for _, s := range []string{"", "abc", "12a", "-5"} {
		if _, err := ParseSnowflake(s); !errors.Is(err, ErrInvalidSnowflake) {
			t.Errorf("%q: expected ErrInvalidSnowflake, got %v", s, err)
		}
	}
}

func TestSnowflakeJSON(t *testing.T) {
	var v struct {
		Guild   GuildID   `json:"guild_id"`
		Channel ChannelID `json:"channel_id"`
	}

	if err := json.Unmarshal([]byte(`{"guild_id":"41771983423143937","channel_id":null}`), &v); err != nil {
		t.Fatal("failed to unmarshal:", err)
	}

	if v.Guild != 41771983423143937 {
		t.Fatalf("unexpected guild %d", v.Guild)
	}
	if v.Channel.IsValid() {
		t.Fatalf("expected null channel, got %d", v.Channel)
	}

	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"guild_id":"41771983423143937","channel_id":null}` {
		t.Fatalf("unexpected JSON %s", b)
	}
}

func TestGuildShardOf(t *testing.T) {
	id := GuildID(1<<22 + 5)
	if shard := id.ShardOf(2); shard != 1 {
		t.Fatalf("expected shard 1, got %d", shard)
	}

	if shard := GuildID(5).ShardOf(2); shard != 0 {
		t.Fatalf("expected shard 0, got %d", shard)
	}

	if shard := id.ShardOf(1); shard != 0 {
		t.Fatalf("expected shard 0 with one shard, got %d", shard)
	}
}
