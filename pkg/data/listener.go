package data

import (
	"fmt"

	"datanet/pkg/storage"

	"go.uber.org/zap"
)

// Listener receives typed data events. Authorized data also fires the
// authenticated callbacks.
type Listener interface {
	OnAuthorizedDataAdded(data *storage.AuthorizedData)
	OnAuthorizedDataRemoved(data *storage.AuthorizedData)
	OnAuthenticatedDataAdded(data *storage.AuthenticatedData)
	OnAuthenticatedDataRemoved(data *storage.AuthenticatedData)
	OnAuthenticatedDataRefreshed(data *storage.AuthenticatedData)
	OnMailboxDataAdded(data *storage.MailboxData)
	OnMailboxDataRemoved(data *storage.MailboxData)
	OnAppendOnlyDataAdded(data storage.AppendOnlyPayload)
}

// ListenerAdapter implements Listener with no-ops. Embed it to handle a
// subset of events.
type ListenerAdapter struct{}

func (ListenerAdapter) OnAuthorizedDataAdded(*storage.AuthorizedData)          {}
func (ListenerAdapter) OnAuthorizedDataRemoved(*storage.AuthorizedData)        {}
func (ListenerAdapter) OnAuthenticatedDataAdded(*storage.AuthenticatedData)    {}
func (ListenerAdapter) OnAuthenticatedDataRemoved(*storage.AuthenticatedData)  {}
func (ListenerAdapter) OnAuthenticatedDataRefreshed(*storage.AuthenticatedData) {}
func (ListenerAdapter) OnMailboxDataAdded(*storage.MailboxData)                {}
func (ListenerAdapter) OnMailboxDataRemoved(*storage.MailboxData)              {}
func (ListenerAdapter) OnAppendOnlyDataAdded(storage.AppendOnlyPayload)        {}

// dispatcher translates storage events into Listener callbacks.
type dispatcher struct {
	service *Service
}

func (d *dispatcher) OnAdded(e storage.Event) {
	switch {
	case e.Authenticated != nil:
		if ad, ok := e.Authenticated.Payload.(*storage.AuthorizedData); ok {
			d.service.notify("OnAuthorizedDataAdded", func(l Listener) { l.OnAuthorizedDataAdded(ad) })
		}
		d.service.notify("OnAuthenticatedDataAdded", func(l Listener) { l.OnAuthenticatedDataAdded(e.Authenticated) })
	case e.Mailbox != nil:
		d.service.notify("OnMailboxDataAdded", func(l Listener) { l.OnMailboxDataAdded(e.Mailbox) })
	case e.AppendOnly != nil:
		d.service.notify("OnAppendOnlyDataAdded", func(l Listener) { l.OnAppendOnlyDataAdded(e.AppendOnly) })
	}
}

func (d *dispatcher) OnRemoved(e storage.Event) {
	switch {
	case e.Authenticated != nil:
		if ad, ok := e.Authenticated.Payload.(*storage.AuthorizedData); ok {
			d.service.notify("OnAuthorizedDataRemoved", func(l Listener) { l.OnAuthorizedDataRemoved(ad) })
		}
		d.service.notify("OnAuthenticatedDataRemoved", func(l Listener) { l.OnAuthenticatedDataRemoved(e.Authenticated) })
	case e.Mailbox != nil:
		d.service.notify("OnMailboxDataRemoved", func(l Listener) { l.OnMailboxDataRemoved(e.Mailbox) })
	}
}

func (d *dispatcher) OnRefreshed(e storage.Event) {
	if e.Authenticated != nil {
		d.service.notify("OnAuthenticatedDataRefreshed", func(l Listener) { l.OnAuthenticatedDataRefreshed(e.Authenticated) })
	}
}

func (s *Service) notify(name string, fn func(Listener)) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		s.safeCall(name, l, fn)
	}
}

func (s *Service) safeCall(name string, l Listener, fn func(Listener)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Data listener failed",
				zap.String("callback", name),
				zap.String("listener", fmt.Sprintf("%T", l)),
				zap.Any("panic", r))
		}
	}()
	fn(l)
}
