// Package registry owns the coordinator's two peer tables. One mutex
// linearizes registration, primary election, dispatch and eviction decisions;
// no I/O ever happens under it. Methods return the peers that need notifying
// (a promoted secondary, a presumed-dead worker); callers build the frames and
// push them through those peers' outbound queues afterwards.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/KorszunKarol/go-distort/internal/frame"
	"github.com/KorszunKarol/go-distort/internal/logging"
	"github.com/KorszunKarol/go-distort/internal/metrics"
)

// Peer is the handle a per-connection task holds on a registered entity.
// Out carries frames the registry (or another task) wants delivered on this
// peer's connection; Closed tells the owning task to wind the connection down.
type Peer struct {
	Out       chan frame.Frame
	Closed    chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64 // unix nanos
}

// Close signals the owning task to drop the connection (idempotent).
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.Closed) })
}

// Enqueue offers a frame to the peer's writer without blocking.
func (p *Peer) Enqueue(f frame.Frame) bool {
	select {
	case p.Out <- f:
		return true
	default:
		return false
	}
}

// Touch stamps the peer as alive now.
func (p *Peer) Touch() { p.lastSeen.Store(time.Now().UnixNano()) }

// SilentFor returns the elapsed time since the peer last produced traffic.
func (p *Peer) SilentFor() time.Duration {
	return time.Since(time.Unix(0, p.lastSeen.Load()))
}

// Worker is a registered worker: stable identity (class, ip, port) plus the
// coordinator-side role and busy state.
type Worker struct {
	Peer
	Class   string
	IP      string
	Port    string
	primary bool
	busy    bool
}

// Addr is the worker's client-facing endpoint as handed out in dispatch replies.
func (w *Worker) Addr() (ip, port string) { return w.IP, w.Port }

// Client is a registered interactive user.
type Client struct {
	Peer
	Username      string
	currentWorker *Worker
}

// Registry holds the worker and client tables.
type Registry struct {
	mu         sync.Mutex
	workers    []*Worker // registration order; promotion scans front to back
	clients    map[*Client]struct{}
	OutBufSize int
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[*Client]struct{}), OutBufSize: 64}
}

func (r *Registry) newPeer() Peer {
	p := Peer{Out: make(chan frame.Frame, r.OutBufSize), Closed: make(chan struct{})}
	p.lastSeen.Store(time.Now().UnixNano())
	return p
}

// AddWorker registers a worker and runs eager election: the first registrant
// of a class becomes its primary. Reports whether the new worker is primary.
func (r *Registry) AddWorker(class, ip, port string) (*Worker, bool) {
	w := &Worker{Peer: r.newPeer(), Class: class, IP: ip, Port: port}
	r.mu.Lock()
	hasPrimary := false
	for _, other := range r.workers {
		if other.Class == class && other.primary {
			hasPrimary = true
			break
		}
	}
	w.primary = !hasPrimary
	r.workers = append(r.workers, w)
	n := len(r.workers)
	r.mu.Unlock()
	metrics.SetWorkers(n)
	logging.L().Info("worker_registered",
		"class", class, "nickname", frame.Nickname(class),
		"addr", ip+":"+port, "primary", w.primary)
	return w, w.primary
}

// AddClient registers an interactive user. The username arrives sanitized.
func (r *Registry) AddClient(username string) *Client {
	c := &Client{Peer: r.newPeer(), Username: username}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	n := len(r.clients)
	r.mu.Unlock()
	metrics.SetClients(n)
	logging.L().Info("client_registered", "username", username)
	return c
}

// RemoveWorker drops a worker from the table. If it was the primary of its
// class, the first remaining secondary in registration order is promoted and
// returned so the caller can deliver its NEW_MAIN after the lock is gone.
func (r *Registry) RemoveWorker(w *Worker) (promoted *Worker) {
	r.mu.Lock()
	removed, promoted := r.removeWorkerLocked(w)
	n := len(r.workers)
	busy := r.busyCountLocked()
	r.mu.Unlock()
	if !removed {
		return nil
	}
	w.Close()
	metrics.SetWorkers(n)
	metrics.SetBusyWorkers(busy)
	if promoted != nil {
		metrics.IncPromotion()
		logging.L().Info("worker_promoted",
			"class", promoted.Class, "nickname", frame.Nickname(promoted.Class),
			"addr", promoted.IP+":"+promoted.Port)
	}
	return promoted
}

// removeWorkerLocked drops w from the table and, when w held the primary
// role, promotes the first remaining same-class worker in registration order.
func (r *Registry) removeWorkerLocked(w *Worker) (removed bool, promoted *Worker) {
	idx := -1
	for i, other := range r.workers {
		if other == w {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	r.workers = append(r.workers[:idx], r.workers[idx+1:]...)
	if w.primary {
		for _, cand := range r.workers {
			if cand.Class == w.Class {
				cand.primary = true
				promoted = cand
				break
			}
		}
	}
	for c := range r.clients {
		if c.currentWorker == w {
			c.currentWorker = nil
		}
	}
	return true, promoted
}

// RemoveClient drops a client from the table.
func (r *Registry) RemoveClient(c *Client) {
	r.mu.Lock()
	_, existed := r.clients[c]
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()
	c.Close()
	if existed {
		metrics.SetClients(n)
	}
}

// Pick selects the free primary of class for a client request, marking it
// busy and recording it as the client's current worker. A nil return means no
// dispatchable worker exists right now.
func (r *Registry) Pick(c *Client, class string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(c, class)
}

func (r *Registry) pickLocked(c *Client, class string) *Worker {
	for _, w := range r.workers {
		if w.Class == class && w.primary && !w.busy {
			w.busy = true
			if c != nil {
				c.currentWorker = w
			}
			metrics.SetBusyWorkers(r.busyCountLocked())
			return w
		}
	}
	return nil
}

// ResumePick serves a RESUME_REQ: the client's current worker is presumed
// dead, so it is removed (running promotion under the same lock) before a
// fresh primary is selected. The dead worker is closed here once the lock is
// released; it and any promotion are returned so the caller can log one and
// notify the other.
func (r *Registry) ResumePick(c *Client, class string) (picked, dead, promoted *Worker) {
	r.mu.Lock()
	dead = c.currentWorker
	if dead != nil {
		_, promoted = r.removeWorkerLocked(dead)
	}
	picked = r.pickLocked(c, class)
	n := len(r.workers)
	busy := r.busyCountLocked()
	r.mu.Unlock()
	if dead != nil {
		dead.Close()
		metrics.SetWorkers(n)
		metrics.IncEviction()
	}
	metrics.SetBusyWorkers(busy)
	if promoted != nil {
		metrics.IncPromotion()
		logging.L().Info("worker_promoted",
			"class", promoted.Class, "nickname", frame.Nickname(promoted.Class),
			"addr", promoted.IP+":"+promoted.Port)
	}
	return picked, dead, promoted
}

// Free marks a worker idle again and detaches it from any client that was
// dispatched to it. Called when the worker reports session completion.
func (r *Registry) Free(w *Worker) {
	r.mu.Lock()
	w.busy = false
	for c := range r.clients {
		if c.currentWorker == w {
			c.currentWorker = nil
		}
	}
	busy := r.busyCountLocked()
	r.mu.Unlock()
	metrics.SetBusyWorkers(busy)
}

func (r *Registry) busyCountLocked() int {
	n := 0
	for _, w := range r.workers {
		if w.busy {
			n++
		}
	}
	return n
}

// Stale returns every peer silent for longer than deadAfter. The O(N) scan
// holds the lock; the eviction itself (close + table removal) is the
// caller's job, after the lock is released.
func (r *Registry) Stale(deadAfter time.Duration) (workers []*Worker, clients []*Client) {
	r.mu.Lock()
	for _, w := range r.workers {
		if w.SilentFor() > deadAfter {
			workers = append(workers, w)
		}
	}
	for c := range r.clients {
		if c.SilentFor() > deadAfter {
			clients = append(clients, c)
		}
	}
	r.mu.Unlock()
	return workers, clients
}

// PrimaryOf reports the current primary of a class, if any.
func (r *Registry) PrimaryOf(class string) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.Class == class && w.primary {
			return w
		}
	}
	return nil
}

// Workers returns a snapshot copy of the worker table.
func (r *Registry) Workers() []*Worker {
	r.mu.Lock()
	out := make([]*Worker, len(r.workers))
	copy(out, r.workers)
	r.mu.Unlock()
	return out
}

// Clients returns a snapshot copy of the client table.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()
	return out
}

// Counts reports table sizes.
func (r *Registry) Counts() (workers, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers), len(r.clients)
}

// IsPrimary reports the worker's current role.
func (w *Worker) IsPrimary() bool { return w.primary }

// IsBusy reports whether the worker is serving a session.
func (w *Worker) IsBusy() bool { return w.busy }

// CurrentWorker reports the worker the client is dispatched to, if any.
func (c *Client) CurrentWorker() *Worker { return c.currentWorker }
