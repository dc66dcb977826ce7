package engine

import (
	"context"
	"log"
	"time"

	"github.com/bizdesk/bsync/internal/bus"
	"github.com/bizdesk/bsync/internal/remote"
)

// startListener runs the realtime listener for userID in the background.
// It does not resubscribe after the transport closes.
func (e *Engine) startListener(userID string) {
	if e.subs == nil {
		return
	}

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan struct{})

	e.mu.Lock()
	e.listenCancel = cancel
	e.listenDone = done
	e.mu.Unlock()

	logger := log.New(e.logger.Writer(), "[listener] ", e.logger.Flags())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		e.listen(ctx, userID, logger)
	}()
}

// stopListener cancels the listener and waits for it to exit.
func (e *Engine) stopListener() {
	e.mu.Lock()
	cancel := e.listenCancel
	done := e.listenDone
	e.listenCancel = nil
	e.listenDone = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) setRealtime(state ListenerState) {
	e.status.update(func(s *Status) { s.Realtime = state })
}

func (e *Engine) listen(ctx context.Context, userID string, logger *log.Logger) {
	e.setRealtime(Subscribing)

	subCtx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	sub, err := e.subs.Subscribe(subCtx, userID)
	cancel()
	if err != nil {
		logger.Printf("Subscribe failed, staying local-only: %v", err)
		e.setRealtime(Disconnected)
		if ctx.Err() == nil {
			e.fail(classify(err))
		}
		return
	}
	defer sub.Close()

	e.setRealtime(Subscribed)
	logger.Printf("Subscribed to changes for %s", userID)

	// Catch up on anything written while we weren't listening.
	e.pullWithTimeout(ctx)

	for {
		select {
		case <-ctx.Done():
			e.setRealtime(Disconnected)
			return

		case <-sub.Done():
			logger.Printf("Realtime channel closed, staying local-only: %v", sub.Err())
			e.setRealtime(Disconnected)
			return

		case n := <-sub.Notifications():
			e.handleNotification(ctx, userID, n, logger)
		}
	}
}

func (e *Engine) handleNotification(ctx context.Context, userID string, n remote.Notification, logger *log.Logger) {
	rec := n.Record
	if rec.DeviceID == e.identity.String() {
		return
	}
	if rec.UserID != "" && rec.UserID != userID {
		logger.Printf("Ignoring change for another user (%s)", rec.UserID)
		return
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if applied, _ := e.apply(ctx, &rec, bus.SourceRealtime); applied {
		logger.Printf("%s change from %s applied", n.Type, rec.DeviceID)
	}
}

func (e *Engine) pullWithTimeout(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()
	e.Pull(ctx)
}

// ListenerState returns the realtime listener's state.
func (e *Engine) ListenerState() ListenerState {
	return e.status.get().Realtime
}

// WaitSubscribed blocks until the listener is subscribed or timeout
// elapses, and reports whether it is subscribed.
func (e *Engine) WaitSubscribed(timeout time.Duration) bool {
	ch := make(chan ListenerState, 1)
	unsubscribe := e.OnStatusChange(func(s Status) {
		select {
		case ch <- s.Realtime:
		default:
		}
	})
	defer unsubscribe()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if e.ListenerState() == Subscribed {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return e.ListenerState() == Subscribed
		}
	}
}
