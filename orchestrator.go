package satchel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Status is a point-in-time snapshot of connectivity, sync, and storage
// state, shaped for direct consumption by UI layers.
type Status struct {
	IsOnline         bool      `json:"isOnline"`
	IsSyncing        bool      `json:"isSyncing"`
	LastSyncAt       time.Time `json:"lastSyncAt"`
	PendingSyncCount int64     `json:"pendingSyncCount"`
	DeadLetterCount  int64     `json:"deadLetterCount"`
	StorageUsed      int64     `json:"storageUsed"`
	StorageAvailable int64     `json:"storageAvailable"`
}

// Orchestrator reacts to connectivity signals and drains the sync queue.
// It is a two-state machine driven by SetOnline: coming online waits a
// settle delay, then drains; while online a periodic ticker drains any
// backlog. Connectivity detection itself is the host's job - the
// orchestrator only consumes signals.
type Orchestrator struct {
	store  *Store
	remote RemoteSyncer
	hub    *StatusHub
	config SyncConfig
	logger *slog.Logger

	mu         sync.Mutex
	online     bool
	syncing    bool
	lastSyncAt time.Time
	stats      StorageStats
	closed     bool

	// drainMu serializes drains across the settle timer, the periodic
	// ticker, and manual SyncNow calls.
	drainMu sync.Mutex

	onlineCh chan bool
	closeCh  chan struct{}
	wg       sync.WaitGroup
}

// NewOrchestrator creates an orchestrator for the store. remote may be
// nil when the store config carries a Remote section; it is then built
// from that. With neither, drains fail with ErrNoRemote.
func NewOrchestrator(store *Store, remote RemoteSyncer) (*Orchestrator, error) {
	if remote == nil && store.config.Remote != nil {
		syncer, err := NewHTTPSyncer(*store.config.Remote)
		if err != nil {
			return nil, err
		}
		remote = syncer
	}
	return &Orchestrator{
		store:    store,
		remote:   remote,
		config:   store.config.Sync,
		logger:   slog.Default().With("component", "sync"),
		onlineCh: make(chan bool, 1),
		closeCh:  make(chan struct{}),
	}, nil
}

// SetStatusHub attaches a hub that receives a status push after every
// drain and stats refresh. Must be called before Start.
func (o *Orchestrator) SetStatusHub(hub *StatusHub) {
	o.hub = hub
}

// Start launches the background loop. Stop releases it.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.run()
}

// Stop shuts the orchestrator down. In-flight drains finish first.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	close(o.closeCh)
	o.wg.Wait()
}

// SetOnline feeds a connectivity signal. Duplicate signals are cheap;
// only edges change behavior.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	if o.closed || o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	o.mu.Unlock()

	// Coalesce: only the latest signal matters.
	select {
	case o.onlineCh <- online:
	default:
		select {
		case <-o.onlineCh:
		default:
		}
		o.onlineCh <- online
	}
}

// Online reports the last connectivity signal received.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	drainTicker := time.NewTicker(o.config.DrainInterval)
	defer drainTicker.Stop()
	statsTicker := time.NewTicker(o.config.StatsInterval)
	defer statsTicker.Stop()

	// Settle timer pending while an online edge waits out flapping.
	var settle *time.Timer
	var settleCh <-chan time.Time
	stopSettle := func() {
		if settle != nil {
			settle.Stop()
			settle, settleCh = nil, nil
		}
	}
	defer stopSettle()

	o.refreshStats()

	for {
		select {
		case <-o.closeCh:
			return

		case online := <-o.onlineCh:
			stopSettle()
			if online {
				settle = time.NewTimer(o.config.SettleDelay)
				settleCh = settle.C
			}
			o.publish()

		case <-settleCh:
			stopSettle()
			o.drain(context.Background())

		case <-drainTicker.C:
			if !o.Online() {
				continue
			}
			pending, err := o.store.PendingSyncCount(context.Background())
			if err != nil || pending == 0 {
				continue
			}
			o.drain(context.Background())

		case <-statsTicker.C:
			o.refreshStats()
			o.pruneQueue()
			o.publish()
		}
	}
}

// SyncNow drains the queue immediately, regardless of timers. It shares
// the drain lock with the background loop, so concurrent calls serialize
// rather than double-deliver.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	if !o.Online() {
		return ErrOffline
	}
	return o.drain(ctx)
}

// drain delivers pending entries oldest-first. A failed delivery charges
// the entry's retry budget and moves on; entries are never dropped short
// of the dead-letter cap. An open circuit aborts the pass early since
// every remaining delivery would fail the same way.
func (o *Orchestrator) drain(ctx context.Context) error {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	o.setSyncing(true)
	defer o.setSyncing(false)

	entries, err := o.store.GetPendingSyncItems(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var delivered, failed int
	for i := range entries {
		entry := &entries[i]
		if o.remote == nil {
			return ErrNoRemote
		}
		err := o.remote.Deliver(ctx, entry)
		if errors.Is(err, ErrCircuitOpen) {
			o.logger.Warn("sync circuit open, aborting drain",
				"delivered", delivered, "remaining", len(entries)-i)
			break
		}
		if err != nil {
			failed++
			o.logger.Warn("sync delivery failed",
				"id", entry.ID, "entity", entry.EntityType, "retries", entry.Retries+1, "err", err)
			if ferr := o.store.recordFailure(ctx, entry.ID, o.config.MaxRetries); ferr != nil {
				return ferr
			}
			continue
		}
		if err := o.store.markSynced(ctx, entry.ID); err != nil {
			return err
		}
		delivered++
	}

	if delivered > 0 {
		o.mu.Lock()
		o.lastSyncAt = o.store.now()
		o.mu.Unlock()
	}
	o.logger.Info("sync drain finished",
		"delivered", delivered, "failed", failed, "total", len(entries))
	o.publish()
	return nil
}

func (o *Orchestrator) setSyncing(v bool) {
	o.mu.Lock()
	o.syncing = v
	o.mu.Unlock()
}

func (o *Orchestrator) refreshStats() {
	stats, err := o.store.StorageStats(context.Background())
	if err != nil {
		o.logger.Warn("storage stats refresh failed", "err", err)
		return
	}
	o.mu.Lock()
	o.stats = stats
	o.mu.Unlock()
}

// pruneQueue garbage-collects old synced queue entries when configured.
func (o *Orchestrator) pruneQueue() {
	if o.config.PruneSyncedAfter <= 0 {
		return
	}
	cutoff := toMillis(o.store.now().Add(-o.config.PruneSyncedAfter))
	n, err := o.store.PruneSynced(context.Background(), cutoff)
	if err != nil {
		o.logger.Warn("queue prune failed", "err", err)
		return
	}
	if n > 0 {
		o.logger.Debug("pruned synced queue entries", "count", n)
	}
}

// Status returns a best-effort snapshot. Queue counts are read live;
// storage numbers come from the last periodic refresh.
func (o *Orchestrator) Status(ctx context.Context) Status {
	pending, err := o.store.PendingSyncCount(ctx)
	if err != nil {
		o.logger.Warn("pending count failed", "err", err)
	}
	dead, err := o.store.DeadLetterCount(ctx)
	if err != nil {
		o.logger.Warn("dead letter count failed", "err", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		IsOnline:         o.online,
		IsSyncing:        o.syncing,
		LastSyncAt:       o.lastSyncAt,
		PendingSyncCount: int64(pending),
		DeadLetterCount:  int64(dead),
		StorageUsed:      o.stats.DatabaseBytes + o.stats.ContentBytes,
		StorageAvailable: o.stats.AvailableBytes,
	}
}

// publish pushes the current status to the attached hub, if any.
func (o *Orchestrator) publish() {
	if o.hub == nil {
		return
	}
	o.hub.Broadcast(o.Status(context.Background()))
}
