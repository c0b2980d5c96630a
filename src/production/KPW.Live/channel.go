package live

import (
	"sync"

	"github.com/google/uuid"
	kpwmodels "gitlab.com/maplesense1/kpw.collar_server/src/production/KPW.Models"
)

// Channel is one dashboard connection as seen by the registry: a viewer
// and a bounded queue of encoded events.
type Channel struct {
	id        string
	viewer    kpwmodels.Viewer
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewChannel(viewer kpwmodels.Viewer, queueSize int) *Channel {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Channel{
		id:     uuid.NewString(),
		viewer: viewer,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) Viewer() kpwmodels.Viewer { return c.viewer }

// Messages is drained by the writer
func (c *Channel) Messages() <-chan []byte { return c.send }

// Done is closed once the channel has been released
func (c *Channel) Done() <-chan struct{} { return c.done }

// enqueue never blocks. It fails when the queue is full or the channel
// was released.
func (c *Channel) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Channel) release() {
	c.closeOnce.Do(func() { close(c.done) })
}
