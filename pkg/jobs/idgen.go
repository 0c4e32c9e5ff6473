package jobs

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"sync"
	"time"
)

// IDGenerator produces job ids unique across a cluster without
// coordination: a hash of the host identity plus a time-based counter.
// Ids sort roughly by creation time on a single host.
type IDGenerator struct {
	mu   sync.Mutex
	host string
	last int64
	seq  int
}

// NewIDGenerator derives the host component from the machine hostname and
// the pid, so two processes on the same host mint from disjoint id spaces.
func NewIDGenerator() *IDGenerator {
	name, err := os.Hostname()
	if err != nil {
		name = "unknown"
	}
	return &IDGenerator{host: hostComponent(name, os.Getpid())}
}

func hostComponent(name string, pid int) string {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s/%d", name, pid)
	return fmt.Sprintf("%08x", h.Sum32())
}

// Next returns a fresh job id.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().Unix()
	if now <= g.last {
		// Same second, or clock went backwards: keep counting.
		now = g.last
		g.seq++
	} else {
		g.last = now
		g.seq = 0
	}
	return g.host + "-" + strconv.FormatInt(now, 36) + "-" + strconv.Itoa(g.seq)
}
