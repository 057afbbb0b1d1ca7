// Package registry owns the live-session state: which connections exist, who
// they are, and which channels they are subscribed to. It is the single owner
// of the subscription graph; the hub only touches it through registry calls.
package registry

import (
	"sync"

	"github.com/google/uuid"
	"github.com/parley-chat/parley/globals"
	"github.com/parley-chat/parley/types"
)

// Session is one live client connection and its runtime state. Identity is
// bound at most once for the session lifetime: either a durable user
// (authenticate) or a legacy display name (join_chat), whichever happens
// first.
type Session struct {
	Id string

	mu         sync.Mutex
	user       *types.User
	legacyName string
	channels   map[types.Channel]struct{}

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(queueSize int) *Session {
	return &Session{
		Id:       uuid.NewString(),
		channels: make(map[types.Channel]struct{}),
		send:     make(chan []byte, queueSize),
		closed:   make(chan struct{}),
	}
}

// Outbound is drained by the transport write loop.
func (s *Session) Outbound() <-chan []byte { return s.send }

// Closed is closed when the session must stop receiving fan-out.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Close marks the session dead. It never closes the send channel; concurrent
// fan-out may still be enqueueing, and the write loop exits via Closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// TrySend enqueues without blocking the sender's handler. A full queue kills
// the session (disconnect-on-overflow) and reports false.
func (s *Session) TrySend(data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		globals.AppLogger.Warn("outbound queue overflow, disconnecting session", "session", s.Id)
		s.Close()
		return false
	}
}

// User returns the bound user, or nil while unauthenticated.
func (s *Session) User() *types.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) Authenticated() bool {
	return s.User() != nil
}

func (s *Session) UserId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return ""
	}
	return s.user.Id
}

func (s *Session) LegacyName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legacyName
}

// HasIdentity reports whether the session may participate in chat at all
// (authenticated or legacy).
func (s *Session) HasIdentity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil || s.legacyName != ""
}

// DisplayName is the roster name: the account username once authenticated,
// the self-chosen legacy name otherwise.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != nil {
		return s.user.Username
	}
	return s.legacyName
}

func (s *Session) bindUser(user *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

func (s *Session) bindLegacy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacyName = name
}

func (s *Session) trackChannel(channel types.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel] = struct{}{}
}

func (s *Session) untrackChannel(channel types.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channel)
}

func (s *Session) channelSnapshot() []types.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]types.Channel, 0, len(s.channels))
	for channel := range s.channels {
		channels = append(channels, channel)
	}
	return channels
}

// memberSet guards one channel's membership. Per-channel locking keeps
// fan-out on one room from blocking subscription edits on another.
type memberSet struct {
	mu      sync.RWMutex
	members map[string]*Session
}

// Registry tracks every live session and the channel subscription index.
type Registry struct {
	queueSize int

	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[types.Channel]*memberSet
	// roster is the incremental legacy users_list index, sessionId -> name
	roster map[string]string
}

func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{
		queueSize: queueSize,
		sessions:  make(map[string]*Session),
		channels:  make(map[types.Channel]*memberSet),
		roster:    make(map[string]string),
	}
}

// Register creates an unauthenticated session. Every session is subscribed to
// the legacy broadcast channel, mirroring the historic socket-wide emits.
func (r *Registry) Register() *Session {
	session := newSession(r.queueSize)
	r.mu.Lock()
	r.sessions[session.Id] = session
	r.mu.Unlock()
	r.Subscribe(session.Id, types.LegacyBroadcast())
	return session
}

func (r *Registry) Get(sessionId string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionId]
}

// BindUser attaches a verified user to the session and enters it into the
// roster index.
func (r *Registry) BindUser(session *Session, user *types.User) {
	session.bindUser(user)
	r.mu.Lock()
	r.roster[session.Id] = user.Username
	r.mu.Unlock()
}

// BindLegacy attaches a legacy display name. If the session is already
// authenticated only the roster entry changes; the user binding stays.
func (r *Registry) BindLegacy(session *Session, name string) {
	if !session.Authenticated() {
		session.bindLegacy(name)
	}
	r.mu.Lock()
	r.roster[session.Id] = name
	r.mu.Unlock()
}

func (r *Registry) channelSet(channel types.Channel, create bool) *memberSet {
	r.mu.RLock()
	set := r.channels[channel]
	r.mu.RUnlock()
	if set != nil || !create {
		return set
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if set = r.channels[channel]; set == nil {
		set = &memberSet{members: make(map[string]*Session)}
		r.channels[channel] = set
	}
	return set
}

// Subscribe is idempotent.
func (r *Registry) Subscribe(sessionId string, channel types.Channel) {
	session := r.Get(sessionId)
	if session == nil {
		return
	}
	set := r.channelSet(channel, true)
	set.mu.Lock()
	set.members[sessionId] = session
	set.mu.Unlock()
	session.trackChannel(channel)
}

// Unsubscribe is idempotent.
func (r *Registry) Unsubscribe(sessionId string, channel types.Channel) {
	session := r.Get(sessionId)
	if session != nil {
		session.untrackChannel(channel)
	}
	set := r.channelSet(channel, false)
	if set == nil {
		return
	}
	set.mu.Lock()
	delete(set.members, sessionId)
	set.mu.Unlock()
}

// RecipientsOf returns a point-in-time copy of the channel membership.
func (r *Registry) RecipientsOf(channel types.Channel) []*Session {
	set := r.channelSet(channel, false)
	if set == nil {
		return nil
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	recipients := make([]*Session, 0, len(set.members))
	for _, session := range set.members {
		recipients = append(recipients, session)
	}
	return recipients
}

// Subscribed reports current membership of one session.
func (r *Registry) Subscribed(sessionId string, channel types.Channel) bool {
	set := r.channelSet(channel, false)
	if set == nil {
		return false
	}
	set.mu.RLock()
	defer set.mu.RUnlock()
	_, ok := set.members[sessionId]
	return ok
}

// Deregister removes the session from every channel and from the roster, and
// stops further fan-out to it. It returns the removed session so the caller
// can run the offline transition.
func (r *Registry) Deregister(sessionId string) *Session {
	r.mu.Lock()
	session := r.sessions[sessionId]
	delete(r.sessions, sessionId)
	delete(r.roster, sessionId)
	r.mu.Unlock()
	if session == nil {
		return nil
	}
	session.Close()
	for _, channel := range session.channelSnapshot() {
		r.Unsubscribe(sessionId, channel)
	}
	return session
}

// Roster snapshots the legacy users_list.
func (r *Registry) Roster() []types.RosterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]types.RosterEntry, 0, len(r.roster))
	for id, name := range r.roster {
		entries = append(entries, types.RosterEntry{Id: id, Username: name})
	}
	return entries
}

// AuthenticatedUserIds returns the distinct user ids with at least one live
// session, used by the periodic presence flush.
func (r *Registry) AuthenticatedUserIds() []string {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, session := range sessions {
		userId := session.UserId()
		if userId == "" {
			continue
		}
		if _, ok := seen[userId]; ok {
			continue
		}
		seen[userId] = struct{}{}
		ids = append(ids, userId)
	}
	return ids
}
