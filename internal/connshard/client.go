package connshard

import (
	"net"
	"sync"
	"time"

	"github.com/adred-codev/gridcore/internal/domain"
)

// Client is one connected websocket client, tracked by its owning Shard.
type Client struct {
	id   uint64
	uid  string
	name string
	conn net.Conn

	send      chan []byte
	closeOnce sync.Once

	connectedAt time.Time
	slowStrikes int32

	mu         sync.Mutex
	subscribed map[domain.TileKey]struct{}
}

// ID returns the shard-local client identifier.
func (c *Client) ID() uint64 { return c.id }

// UID returns the authenticated user id this client connected as.
func (c *Client) UID() string { return c.uid }

func (c *Client) isSubscribed(tile domain.TileKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribed[tile]
	return ok
}

func (c *Client) subscribedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed)
}

func (c *Client) addSubscription(tile domain.TileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[tile] = struct{}{}
}

func (c *Client) removeSubscription(tile domain.TileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, tile)
}

func (c *Client) subscribedTiles() []domain.TileKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	tiles := make([]domain.TileKey, 0, len(c.subscribed))
	for t := range c.subscribed {
		tiles = append(tiles, t)
	}
	return tiles
}
