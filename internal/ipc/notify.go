package ipc

import (
	"encoding/binary"

	"github.com/watertreat/supervisor/internal/eventbus"
	"github.com/watertreat/supervisor/internal/shmring"
)

// notifyRecordSize is the fixed on-ring encoding for one Notification:
// 16 bytes kind, 24 bytes station, 8 bytes AtMs, null-padded/truncated.
const (
	notifyKindLen    = 16
	notifyStationLen = 24
	notifyRecordSize = notifyKindLen + notifyStationLen + 8
)

// ringBytes is sized well past NotificationRingCap records so a burst of
// events between two BuildRegion calls doesn't lose entries; shmring
// requires a power-of-two byte size.
const ringBytes = 4096

// AttachEventBus wires the Bridge as the shmring.Ring producer side of
// §4.6's small notification ring: it subscribes to every topic on bus and
// encodes each event as a fixed-size record, draining into the Region's
// bounded Notifications slice on the next BuildRegion call.
//
// Grounded on the teacher's bus package existing purely in-process; here
// the same publish/subscribe shape feeds a byte ring instead, since the
// ring's consumer is BuildRegion (via drainNotifications), which copies
// the pending records into the Region that readers see, not another
// goroutine with its own channel.
func (b *Bridge) AttachEventBus(bus *eventbus.Bus) {
	b.ring = shmring.New(ringBytes)
	b.busSub = bus.Subscribe(eventbus.T("#"))
	b.busDone = make(chan struct{})
	sub, stop := b.busSub, b.busDone
	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-sub.Channel():
				kind, station := notificationFields(ev)
				b.pushNotification(kind, station, b.clock.Now().UnixMilli())
			}
		}
	}()
}

// Close stops the event-bus drain goroutine started by AttachEventBus. Safe
// to call even if AttachEventBus was never called.
func (b *Bridge) Close() {
	if b.busSub != nil {
		b.busSub.Unsubscribe()
	}
	if b.busDone != nil {
		b.busDone <- struct{}{}
	}
}

func notificationFields(ev *eventbus.Event) (kind, station string) {
	for _, tok := range ev.Topic {
		if s, ok := tok.(string); ok {
			if kind == "" {
				kind = s
			} else {
				kind = kind + "." + s
			}
		}
	}
	if s, ok := ev.Payload.(string); ok {
		station = s
	}
	return kind, station
}

func (b *Bridge) pushNotification(kind, station string, atMs int64) {
	var rec [notifyRecordSize]byte
	copy(rec[:notifyKindLen], kind)
	copy(rec[notifyKindLen:notifyKindLen+notifyStationLen], station)
	binary.BigEndian.PutUint64(rec[notifyKindLen+notifyStationLen:], uint64(atMs))
	if b.ring.Space() < notifyRecordSize {
		return // ring full: the new event is dropped, acceptable for a best-effort notification feed
	}
	b.ring.TryWriteFrom(rec[:])
}

// drainNotifications pulls up to NotificationRingCap pending records off the
// ring into decoded Notification values, for BuildRegion to attach.
func (b *Bridge) drainNotifications() []Notification {
	if b.ring == nil {
		return nil
	}
	var out []Notification
	var rec [notifyRecordSize]byte
	for len(out) < NotificationRingCap {
		n := b.ring.TryReadInto(rec[:])
		if n < notifyRecordSize {
			break
		}
		out = append(out, Notification{
			Kind:    trimZero(string(rec[:notifyKindLen])),
			Station: trimZero(string(rec[notifyKindLen : notifyKindLen+notifyStationLen])),
			AtMs:    int64(binary.BigEndian.Uint64(rec[notifyKindLen+notifyStationLen:])),
		})
	}
	return out
}

func trimZero(s string) string {
	for i, c := range s {
		if c == 0 {
			return s[:i]
		}
	}
	return s
}
