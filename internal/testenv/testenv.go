// Package testenv reads the environment of integration tests that talk to
// the real gateway.
package testenv

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/cordwire/cordwire/discord"
)

// PerseveranceTime is how long soak tests keep a connection up. It applies
// only when $PERSEVERANCE is set.
const PerseveranceTime = 50 * time.Minute

type Env struct {
	BotToken  string
	GuildID   discord.GuildID
	VoiceChID discord.ChannelID
}

var (
	globalEnv Env
	globalErr error
	once      sync.Once
)

// Must returns the environment or skips the test if it is incomplete.
func Must(t *testing.T) Env {
	e, err := GetEnv()
	if err != nil {
		t.Skip("integration test variables missing:", err)
	}
	return e
}

// Perseverance reports whether soak tests should run for PerseveranceTime.
func Perseverance() bool {
	return os.Getenv("PERSEVERANCE") != ""
}

func GetEnv() (Env, error) {
	once.Do(getEnv)
	return globalEnv, globalErr
}

func getEnv() {
	// A missing .env is fine; the variables may come from the shell.
	godotenv.Load()

	var token = os.Getenv("BOT_TOKEN")
	if token == "" {
		globalErr = errors.New("missing $BOT_TOKEN")
		return
	}

	var gid = os.Getenv("VOICE_GUILD_ID")
	if gid == "" {
		globalErr = errors.New("missing $VOICE_GUILD_ID")
		return
	}

	guildID, err := discord.ParseGuildID(gid)
	if err != nil {
		globalErr = errors.Wrap(err, "invalid $VOICE_GUILD_ID")
		return
	}

	var cid = os.Getenv("VOICE_CHANNEL_ID")
	if cid == "" {
		globalErr = errors.New("missing $VOICE_CHANNEL_ID")
		return
	}

	channelID, err := discord.ParseChannelID(cid)
	if err != nil {
		globalErr = errors.Wrap(err, "invalid $VOICE_CHANNEL_ID")
		return
	}

	globalEnv = Env{
		BotToken:  token,
		GuildID:   guildID,
		VoiceChID: channelID,
	}
}
