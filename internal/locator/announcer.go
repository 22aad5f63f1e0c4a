package locator

import (
	"context"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/logging"
)

// Announcer publishes the local target for every non-micro executor
// registered locally.
type Announcer struct {
	locator   *Locator
	publisher Publisher
	timeout   time.Duration
}

// NewAnnouncer creates an announcer. Register it with
// localexec.Registry.AddObserver.
func NewAnnouncer(l *Locator, p Publisher) *Announcer {
	return &Announcer{locator: l, publisher: p, timeout: 5 * time.Second}
}

// OnLocalExecutorRegistered implements localexec.Observer.
func (a *Announcer) OnLocalExecutorRegistered(id domain.FitableID, e *localexec.Executor) {
	if e.IsMicro() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.publisher.Register(ctx, id, a.locator.Local()); err != nil {
		logging.Op().Error("announce local executor", "fitable", id.String(), "error", err)
		return
	}
	logging.Op().Info("local executor announced", "fitable", id.String(), "worker", a.locator.WorkerID())
}

// AnnounceAll publishes every executor already registered, for use once
// the listeners are bound.
func (a *Announcer) AnnounceAll(ctx context.Context, executors *localexec.Registry) error {
	local := a.locator.Local()
	for _, e := range executors.List() {
		if e.IsMicro() {
			continue
		}
		if err := a.publisher.Register(ctx, e.ID(), local); err != nil {
			return err
		}
	}
	return nil
}

// Withdraw removes every executor of this worker from the publisher.
func (a *Announcer) Withdraw(ctx context.Context, executors *localexec.Registry) error {
	for _, e := range executors.List() {
		if e.IsMicro() {
			continue
		}
		if err := a.publisher.Deregister(ctx, e.ID(), a.locator.WorkerID()); err != nil {
			return err
		}
	}
	return nil
}
