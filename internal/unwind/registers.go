package unwind

import (
	"context"

	"github.com/chaosstudygroup/dkrun/internal/probe"
)

// registerCache memoizes core registers read from the target during a
// backtrace, so a register already fetched for one frame's computation
// isn't re-read for the next.
type registerCache struct {
	ctx    context.Context
	sess   probe.Session
	values map[uint8]uint32
}

func newRegisterCache(ctx context.Context, sess probe.Session) *registerCache {
	return &registerCache{ctx: ctx, sess: sess, values: make(map[uint8]uint32)}
}

// get returns register n, fetching it from the target on first use.
func (c *registerCache) get(n uint8) (uint32, error) {
	if v, ok := c.values[n]; ok {
		return v, nil
	}
	v, err := c.sess.ReadCoreReg(c.ctx, int(n))
	if err != nil {
		return 0, err
	}
	c.values[n] = v
	return v, nil
}

// set overrides (or seeds) a cached register value, e.g. with a value just
// recovered from a stack frame rather than read from the live core. The
// cache is never cleared: it persists for the whole backtrace, so a register
// recovered once (by any frame's CFI row) stays valid until a later row
// overwrites or undefines it.
func (c *registerCache) set(n uint8, v uint32) {
	c.values[n] = v
}
