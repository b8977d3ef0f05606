package client

import (
	"strconv"
	"sync/atomic"
	"time"
)

const idPrefix = "client_"

// IDGenerator yields process-unique client ids. The counter starts at the
// creation time in milliseconds, so ids from a restarted process do not
// collide with ids a long-lived peer may still hold.
type IDGenerator struct {
	seq atomic.Int64
}

func NewIDGenerator(seed time.Time) *IDGenerator {
	g := &IDGenerator{}
	g.seq.Store(seed.UnixMilli())
	return g
}

func (g *IDGenerator) Next() string {
	return idPrefix + strconv.FormatInt(g.seq.Add(1), 10)
}

var defaultIDs = NewIDGenerator(time.Now())
