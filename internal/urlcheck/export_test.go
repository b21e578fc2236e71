package urlcheck

import (
	"context"
	"net"
)

// SetLookup overrides the DNS resolver. Test hook only.
func (c *Checker) SetLookup(f func(ctx context.Context, host string) ([]net.IP, error)) {
	c.lookup = f
}
