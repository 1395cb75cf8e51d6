package shard

import (
	"sync"

	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/gateway"
)

// presenceCache tracks which guilds each shard owns and the presence last set
// on each shard, mirrored per guild.
type presenceCache struct {
	mutex  sync.RWMutex
	guilds map[int]map[discord.GuildID]struct{}
	shards map[int]gateway.UpdatePresenceCommand
	byID   map[discord.GuildID]gateway.UpdatePresenceCommand
}

func newPresenceCache() *presenceCache {
	c := &presenceCache{}
	c.reset()
	return c
}

func (c *presenceCache) reset() {
	c.mutex.Lock()
	c.guilds = make(map[int]map[discord.GuildID]struct{})
	c.shards = make(map[int]gateway.UpdatePresenceCommand)
	c.byID = make(map[discord.GuildID]gateway.UpdatePresenceCommand)
	c.mutex.Unlock()
}

// ready replaces the guilds of a shard with the ones listed in its READY.
func (c *presenceCache) ready(shard int, guilds []gateway.UnavailableGuild) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id := range c.guilds[shard] {
		delete(c.byID, id)
	}

	set := make(map[discord.GuildID]struct{}, len(guilds))
	c.guilds[shard] = set

	p, ok := c.shards[shard]
	for _, g := range guilds {
		set[g.ID] = struct{}{}
		if ok {
			c.byID[g.ID] = p
		}
	}
}

func (c *presenceCache) addGuild(shard int, id discord.GuildID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	set, ok := c.guilds[shard]
	if !ok {
		set = make(map[discord.GuildID]struct{})
		c.guilds[shard] = set
	}
	set[id] = struct{}{}

	if p, ok := c.shards[shard]; ok {
		c.byID[id] = p
	}
}

func (c *presenceCache) removeGuild(shard int, id discord.GuildID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.guilds[shard], id)
	delete(c.byID, id)
}

// set records p as the presence of shard and of every guild it owns.
func (c *presenceCache) set(shard int, p gateway.UpdatePresenceCommand) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.shards[shard] = p
	for id := range c.guilds[shard] {
		c.byID[id] = p
	}
}

func (c *presenceCache) guild(id discord.GuildID) (gateway.UpdatePresenceCommand, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	p, ok := c.byID[id]
	return p, ok
}

func (c *presenceCache) numGuilds(shard int) int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.guilds[shard])
}
