package asyncjob

import (
	"context"
	"errors"
	"sync"
)

var ErrNotifierClosed = errors.New("notifier closed")

// Kind names a category of job with its own single-flight state.
type Kind string

type NotificationType int

const (
	Progressed NotificationType = iota
	Finished
)

func (t NotificationType) String() string {
	switch t {
	case Progressed:
		return "progress"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Notification tells the owner to re-poll the job of given Kind. It never
// carries the progress or result itself.
type Notification struct {
	Kind Kind
	Type NotificationType
}

// Notifier is a many-producer, single-consumer channel of notifications.
// The data channel is never closed, Close only stops further sends, so a
// late worker can't panic on a closed channel.
type Notifier struct {
	ch     chan Notification
	closed chan struct{}
	once   sync.Once
}

func NewNotifier(size int) *Notifier {
	if size < 1 {
		size = 1
	}
	return &Notifier{
		ch:     make(chan Notification, size),
		closed: make(chan struct{}),
	}
}

// C returns the channel the owner receives notifications from.
func (n *Notifier) C() <-chan Notification {
	return n.ch
}

// Notify delivers msg and blocks while the buffer is full. It fails when ctx
// is done or the notifier is closed.
func (n *Notifier) Notify(ctx context.Context, msg Notification) error {
	select {
	case <-n.closed:
		return ErrNotifierClosed
	default:
	}
	select {
	case n.ch <- msg:
		return nil
	case <-n.closed:
		return ErrNotifierClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryNotify delivers msg if there is room in the buffer. A dropped message
// is fine for progress ticks: the owner re-polls the slot on the next one.
func (n *Notifier) TryNotify(msg Notification) bool {
	select {
	case <-n.closed:
		return false
	default:
	}
	select {
	case n.ch <- msg:
		return true
	default:
		return false
	}
}

// Closed returns a channel, which is closed by Close.
func (n *Notifier) Closed() <-chan struct{} {
	return n.closed
}

func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.closed)
	})
}
