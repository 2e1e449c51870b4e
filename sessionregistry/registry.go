// Package sessionregistry tracks connected wallet-service sessions
// ("BDVs") and the scripthashes they observe (spec.md §4.5). It
// reference-counts observers per scripthash the way a shared resource
// behind multiple subscribers always must — the same shape as the
// teacher's spendNotifications/blockEpochClients maps in
// bitcoindnotify.go, generalized from "one map per notification kind" to
// "one map of reference counts per scripthash."
package sessionregistry

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/rogpeppe/fastuuid"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/armorylog"
	"github.com/armorynet/armoryd/notifbus"
)

var log = armorylog.NewSubsystem("SESS")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

var idGen = fastuuid.MustNewGenerator()

// outboundQueueDepth bounds a session's pending-notification queue
// before overflow handling (oldest Progress events dropped, then
// consecutive balance deltas by scripthash collapsed) kicks in, per
// spec.md §4.5.
const outboundQueueDepth = 256

// Wallet is a named set of scripthashes a session registered together,
// plus the new-vs-existing flag spec.md §4.5 uses to decide whether
// registration triggers a historical rescan.
type Wallet struct {
	ID          string
	Scripthashes map[chainhash.Hash]struct{}
	IsNew       bool

	// ledgerCursor pages this wallet's history (the combined cursor
	// lives on Session); zero value means "start from page 0".
	ledgerCursor   int32
	lastSeenVersion map[chainhash.Hash]uint64
}

// Session is one connected BDV: its wallets, its combined paging cursor,
// and its outbound event queue.
type Session struct {
	ID string

	mu      sync.Mutex
	wallets map[string]*Wallet

	combinedCursor int32

	outQueue *outboundQueue
	Events   <-chan interface{}
}

// Registry owns every live session and the reference-counted scripthash
// observer map used to decide when a scripthash stops being watched
// entirely (spec.md §4.5 final paragraph).
type Registry struct {
	mu sync.Mutex

	sessions map[string]*Session

	// refcount[scripthash] is how many (session, wallet) pairs
	// currently observe it; observers[scripthash] is the reverse index
	// used to fan out BalanceChanged/ZC notifications.
	refcount  map[chainhash.Hash]int
	observers map[chainhash.Hash]map[string]*Session

	bus *notifbus.Bus
}

// New constructs an empty Registry. It keeps bus but publishes nothing
// onto it; notifications reach sessions through NotifyBalanceChanged and
// Broadcast, which fan out to the sessions that registered the relevant
// scripthash.
func New(bus *notifbus.Bus) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		refcount:  make(map[chainhash.Hash]int),
		observers: make(map[chainhash.Hash]map[string]*Session),
		bus:       bus,
	}
}

// NewSession creates a session with a fresh ID and starts its outbound
// queue.
func (r *Registry) NewSession() *Session {
	id := idGen.Hex128()

	q := newOutboundQueue(outboundQueueDepth)
	events := make(chan interface{})
	go q.run(events)

	s := &Session{
		ID:       id,
		wallets:  make(map[string]*Wallet),
		outQueue: q,
		Events:   events,
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	log.Infof("new session %s", id)
	return s
}

// CloseSession tears down a session, decrementing every scripthash it
// observed and releasing its queue.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	wallets := make([]*Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		wallets = append(wallets, w)
	}
	s.mu.Unlock()

	for _, w := range wallets {
		for sh := range w.Scripthashes {
			r.unobserve(sh, s)
		}
	}

	s.outQueue.stop()
	log.Infof("closed session %s", sessionID)
}

// RegisterWallet registers (wallet_id, scripthashes) under a session,
// idempotently on (wallet_id, scripthash): already-observed scripthashes
// under this wallet are silently skipped (spec.md §4.5 "Registration is
// idempotent").
func (r *Registry) RegisterWallet(s *Session, walletID string, scripthashes []chainhash.Hash, isNew bool) *Wallet {
	s.mu.Lock()
	w, exists := s.wallets[walletID]
	if !exists {
		w = &Wallet{
			ID:              walletID,
			Scripthashes:    make(map[chainhash.Hash]struct{}),
			IsNew:           isNew,
			lastSeenVersion: make(map[chainhash.Hash]uint64),
		}
		s.wallets[walletID] = w
	}
	var added []chainhash.Hash
	for _, sh := range scripthashes {
		if _, already := w.Scripthashes[sh]; already {
			continue
		}
		w.Scripthashes[sh] = struct{}{}
		added = append(added, sh)
	}
	s.mu.Unlock()

	for _, sh := range added {
		r.observe(sh, s)
	}

	return w
}

// UnregisterWallet removes a wallet and decrements its scripthashes'
// reference counts.
func (r *Registry) UnregisterWallet(s *Session, walletID string) {
	s.mu.Lock()
	w, ok := s.wallets[walletID]
	if ok {
		delete(s.wallets, walletID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	for sh := range w.Scripthashes {
		r.unobserve(sh, s)
	}
}

func (r *Registry) observe(sh chainhash.Hash, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcount[sh]++
	if r.observers[sh] == nil {
		r.observers[sh] = make(map[string]*Session)
	}
	r.observers[sh][s.ID] = s
}

func (r *Registry) unobserve(sh chainhash.Hash, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refcount[sh]--
	delete(r.observers[sh], s.ID)
	if r.refcount[sh] <= 0 {
		delete(r.refcount, sh)
		delete(r.observers, sh)
	}
}

// ObserverCount reports how many (session, wallet) pairs currently watch
// a scripthash, for tests asserting the reference-counting contract.
func (r *Registry) ObserverCount(sh chainhash.Hash) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcount[sh]
}

// NotifyBalanceChanged fans a BalanceChanged event out to every session
// observing sh. Each session's outbound queue applies spec.md §4.5's
// overflow policy itself (drop oldest Progress, then collapse consecutive
// balance deltas by scripthash) only once it is actually full.
func (r *Registry) NotifyBalanceChanged(ev notifbus.BalanceChanged) {
	r.mu.Lock()
	observers := make([]*Session, 0, len(r.observers[ev.Scripthash]))
	for _, s := range r.observers[ev.Scripthash] {
		observers = append(observers, s)
	}
	r.mu.Unlock()

	for _, s := range observers {
		s.enqueue(ev)
	}
}

// Broadcast pushes ev onto every live session's queue, used for
// session-wide events (Ready, NewBlock, NodeStatus) that aren't
// scripthash-scoped.
func (r *Registry) Broadcast(ev interface{}) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.enqueue(ev)
	}
}

func (s *Session) enqueue(ev interface{}) {
	s.outQueue.push(ev)
}

// outboundQueue is a session's bounded pending-notification queue. A
// plain buffered channel can only drop-newest on overflow; spec.md §4.5
// requires overflow to prefer dropping the oldest queued Progress event,
// and only then to collapse a same-scripthash BalanceChanged delta, so
// this keeps its items in an inspectable slice instead.
type outboundQueue struct {
	mu       sync.Mutex
	items    []interface{}
	capacity int

	notify chan struct{}
	quit   chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	return &outboundQueue{
		items:    make([]interface{}, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// push appends ev, applying the overflow policy first if the queue is
// already at capacity. If neither dropping a Progress event nor
// collapsing a same-scripthash BalanceChanged frees room, ev itself is
// dropped (logged) rather than growing past capacity.
func (q *outboundQueue) push(ev interface{}) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		switch {
		case q.dropOldestProgress():
		case q.collapseBalanceChanged(ev):
		default:
			q.mu.Unlock()
			log.Warnf("session outbound queue full, dropping event %T", ev)
			return
		}
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dropOldestProgress removes the oldest queued notifbus.Progress event,
// if any, reporting whether it found one. Caller holds q.mu.
func (q *outboundQueue) dropOldestProgress() bool {
	for i, it := range q.items {
		if _, ok := it.(notifbus.Progress); ok {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// collapseBalanceChanged removes an already-queued BalanceChanged event
// for the same scripthash as the incoming one, if any — the incoming
// delta supersedes it, so only the newest matters to a catching-up
// client. Caller holds q.mu.
func (q *outboundQueue) collapseBalanceChanged(ev interface{}) bool {
	incoming, ok := ev.(notifbus.BalanceChanged)
	if !ok {
		return false
	}
	for i, it := range q.items {
		if existing, ok := it.(notifbus.BalanceChanged); ok && existing.Scripthash == incoming.Scripthash {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *outboundQueue) pop() (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev, true
}

// run drains the queue into out until stop is called, then closes out.
func (q *outboundQueue) run(out chan<- interface{}) {
	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-q.notify:
				continue
			case <-q.quit:
				close(out)
				return
			}
		}
		select {
		case out <- ev:
		case <-q.quit:
			close(out)
			return
		}
	}
}

func (q *outboundQueue) stop() { close(q.quit) }

// LastSeenVersion returns the SSH rollup version this wallet last
// reported for sh, or 0 if it has never reported one. GetCombinedBalance
// uses this to filter its reply down to scripthashes whose rollup
// actually changed since the last call (spec.md §6.2).
func (w *Wallet) LastSeenVersion(sh chainhash.Hash) uint64 {
	return w.lastSeenVersion[sh]
}

// SetLastSeenVersion records the version GetCombinedBalance just
// reported for sh, so the next call can detect whether it changed.
func (w *Wallet) SetLastSeenVersion(sh chainhash.Hash, v uint64) {
	w.lastSeenVersion[sh] = v
}

// Wallets returns a snapshot of a session's registered wallets.
func (s *Session) Wallets() []*Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	return out
}

// Wallet looks up a registered wallet by ID, or returns
// armoryerr.ErrUnknownWallet.
func (s *Session) Wallet(walletID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrUnknownWallet)
	}
	return w, nil
}
