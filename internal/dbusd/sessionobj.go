package dbusd

import (
	"log"

	"github.com/godbus/dbus/v5"

	"github.com/grimsteel/pass-secret-service/internal/dbuserr"
	"github.com/grimsteel/pass-secret-service/internal/session"
)

// Session is a per-client context carrying the negotiated transport and
// the unique bus name that opened it; every encrypt/decrypt/close call
// is checked against that name.
type Session struct {
	svc       *Service
	path      dbus.ObjectPath
	opener    string
	transport session.Transport
	done      chan struct{}
}

func newSession(svc *Service, path dbus.ObjectPath, opener string, transport session.Transport) *Session {
	return &Session{svc: svc, path: path, opener: opener, transport: transport, done: make(chan struct{})}
}

// authorize checks that sender is the client that opened this session.
func (s *Session) authorize(sender string) error {
	if sender != s.opener {
		return dbuserr.AccessDenied("session " + string(s.path) + " was not opened by " + sender)
	}
	return nil
}

// Close removes the session from the registry and unexports its object.
// Only the opener may close its own session.
func (s *Session) Close(sender dbus.Sender) *dbus.Error {
	if err := s.authorize(string(sender)); err != nil {
		return dbuserr.ToDBus(err)
	}
	s.terminate()
	return nil
}

// terminate is idempotent: it may be invoked by an explicit Close or by
// the name-owner watcher racing to remove the same session; whichever
// wins performs the removal, the other is a no-op against an absent map
// entry.
func (s *Session) terminate() {
	s.svc.mu.Lock()
	select {
	case <-s.done:
		s.svc.mu.Unlock()
		return
	default:
		close(s.done)
	}
	s.svc.mu.Unlock()
	s.svc.removeSession(s.path)
	_ = s.svc.conn.Export(nil, s.path, IfaceSession)
	_ = s.svc.conn.Export(nil, s.path, "org.freedesktop.DBus.Introspectable")
}

// watch is a placeholder hook kept for symmetry with the specification's
// per-session watcher task; actual disconnect handling is centralized in
// Service.watchNameOwnerChanged so a single bus-signal subscription
// covers every open session instead of one per session.
func (s *Session) watch() {
	<-s.done
}

// watchNameOwnerChanged runs for the lifetime of the daemon, removing
// every session belonging to a bus name the moment it disconnects.
func (s *Service) watchNameOwnerChanged() {
	ch := make(chan *dbus.Signal, 32)
	s.conn.Signal(ch)
	for sig := range ch {
		if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
			continue
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if newOwner != "" {
			continue
		}
		s.terminateSessionsFor(name)
	}
}

func (s *Service) terminateSessionsFor(busName string) {
	s.mu.RLock()
	var toRemove []*Session
	for _, sess := range s.sessions {
		if sess.opener == busName {
			toRemove = append(toRemove, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range toRemove {
		sess.terminate()
		log.Printf("session %s removed: opener %s disconnected", sess.path, busName)
	}
}
