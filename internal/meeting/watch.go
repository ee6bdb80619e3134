package meeting

import (
	"context"
	"errors"
	"fmt"

	"github.com/franzego/teleconsult/internal/eventbus"
	"github.com/franzego/teleconsult/internal/models"
	"go.uber.org/zap"
)

var (
	ErrAlreadyWatching = errors.New("meeting: already watching")
	ErrClosed          = errors.New("meeting: broker closed")
)

// Watch subscribes to invitations this identity sent or received and seeds
// the pending set from the store. It fails after Close.
func (b *Broker) Watch(ctx context.Context) error {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrClosed
	case b.watching:
		b.mu.Unlock()
		return ErrAlreadyWatching
	}
	b.watching = true
	b.mu.Unlock()

	if err := b.watch(ctx); err != nil {
		b.mu.Lock()
		b.watching = false
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Broker) watch(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := b.bus.Subscribe(ctx, eventbus.TableMeetingInvitations,
		eventbus.EitherColumnEquals("inviter_id", "invitee_id", b.identity.UserID))
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe meeting invitations: %w", err)
	}

	pending, err := b.store.ListPendingInvitations(ctx, b.identity.UserID)
	if err != nil {
		cancel()
		sub.Close()
		return fmt.Errorf("load pending invitations: %w", err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		sub.Close()
		return ErrClosed
	}
	b.sub = sub
	b.cancel = cancel
	b.done = make(chan struct{})
	for _, inv := range pending {
		b.pending[inv.ID] = inv
		b.seen[inv.ID] = inv.Status
	}
	done := b.done
	b.mu.Unlock()

	go b.loop(ctx, sub, done)
	return nil
}

func (b *Broker) loop(ctx context.Context, sub eventbus.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			b.handle(ev)
		}
	}
}

func (b *Broker) handle(ev eventbus.Event) {
	var inv models.MeetingInvitation
	if err := ev.Decode(&inv); err != nil {
		b.logger.Warn("ignoring undecodable invitation event", zap.Error(err))
		return
	}

	b.mu.Lock()
	last, seen := b.seen[inv.ID]
	if seen && (last == inv.Status || last.Terminal()) {
		b.mu.Unlock()
		return
	}
	b.seen[inv.ID] = inv.Status

	var sig Signal
	switch {
	case inv.Status == models.InvitationPending && inv.InviteeID == b.identity.UserID:
		b.pending[inv.ID] = inv
		sig = Signal{Kind: SignalInvited, Invitation: inv}
	case inv.Status.Terminal():
		delete(b.pending, inv.ID)
		if inv.InviterID != b.identity.UserID {
			b.mu.Unlock()
			return
		}
		sig = Signal{Kind: SignalResponded, Invitation: inv}
	default:
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.logger.Info("invitation event",
		zap.String("kind", string(sig.Kind)), zap.String("invitation_id", inv.ID))
	b.emit(sig)
}

func (b *Broker) emit(sig Signal) {
	select {
	case b.signals <- sig:
	default:
		b.logger.Warn("signal buffer full, dropping signal",
			zap.String("kind", string(sig.Kind)), zap.String("invitation_id", sig.Invitation.ID))
	}
}

// Close unsubscribes and clears local meeting state. Safe to call twice.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		sub, cancel, done := b.sub, b.cancel, b.done
		b.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sub != nil {
			err = sub.Close()
		}
		if done != nil {
			<-done
		}

		b.mu.Lock()
		b.pending = make(map[string]models.MeetingInvitation)
		b.current = nil
		b.mu.Unlock()
		close(b.signals)
	})
	return err
}
