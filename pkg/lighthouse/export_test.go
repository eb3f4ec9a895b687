package lighthouse

// SetTarget replaces the address later dials use
func SetTarget(c *Channel, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
}
