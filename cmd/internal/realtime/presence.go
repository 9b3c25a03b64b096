package realtime

import "sync"

// Presence tracks who is online and how many sockets each IP holds.
//
// The user map is last-writer-wins: a second login overwrites the first
// as the push target, and the older socket simply stops receiving pushes
// until it reconnects. The per-IP sets back the concurrent-connection
// ceiling and always track every live socket.
type Presence struct {
	mu     sync.Mutex
	byUser map[string]*Client
	byIP   map[string]map[*Client]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		byUser: make(map[string]*Client),
		byIP:   make(map[string]map[*Client]struct{}),
	}
}

func (p *Presence) Register(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.byUser[c.UserID] = c
	set, ok := p.byIP[c.IP]
	if !ok {
		set = make(map[*Client]struct{})
		p.byIP[c.IP] = set
	}
	set[c] = struct{}{}
}

// Unregister removes the client. The user entry is pointer-checked so a
// newer connection for the same user is not evicted when the older one
// finally tears down.
func (p *Presence) Unregister(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.byUser[c.UserID]; ok && cur == c {
		delete(p.byUser, c.UserID)
	}
	if set, ok := p.byIP[c.IP]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(p.byIP, c.IP)
		}
	}
}

// Get returns the current push target for the user, or nil when offline.
func (p *Presence) Get(userID string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byUser[userID]
}

func (p *Presence) Online(userID string) bool {
	return p.Get(userID) != nil
}

// CountIP reports how many live sockets the IP currently holds.
func (p *Presence) CountIP(ip string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byIP[ip])
}

func (p *Presence) OnlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byUser)
}
