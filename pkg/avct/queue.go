package avct

import (
	"github.com/gammazero/deque"
	"github.com/muxable/avctp/pkg/l2cap"
)

// congestionQueue holds the packets of one channel while L2CAP reports it
// congested. Packets leave it in the order they entered.
type congestionQueue struct {
	q         deque.Deque[[]byte]
	congested bool
}

type writeFunc func(buf []byte) l2cap.WriteStatus

// send writes buf, or queues it behind earlier packets while congested.
func (c *congestionQueue) send(buf []byte, write writeFunc) {
	if c.congested || c.q.Len() > 0 {
		c.q.PushBack(buf)
		return
	}
	if write(buf) == l2cap.WriteCongested {
		c.congested = true
	}
}

// setCongested records the congestion state. When it clears, queued packets
// are written until the queue is empty or a write congests the channel again.
func (c *congestionQueue) setCongested(congested bool, write writeFunc) {
	c.congested = congested
	for !c.congested && c.q.Len() > 0 {
		if write(c.q.PopFront()) == l2cap.WriteCongested {
			c.congested = true
		}
	}
}

func (c *congestionQueue) Len() int {
	return c.q.Len()
}

func (c *congestionQueue) reset() {
	c.q.Clear()
	c.congested = false
}
