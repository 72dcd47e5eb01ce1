package stanza

import "time"

// CallbackStore matches outgoing iq stanzas to their inbound result/error
// responses by id.
type CallbackStore struct {
	byID map[string]*Callback
}

// NewCallbackStore creates an empty store.
func NewCallbackStore() *CallbackStore {
	return &CallbackStore{byID: make(map[string]*Callback)}
}

// Add registers cb under its request id. A request with no id and no
// continuations is not worth tracking and is ignored.
func (s *CallbackStore) Add(cb *Callback) {
	id := cb.Request.ID()
	if id == "" || (cb.OnSuccess == nil && cb.OnError == nil) {
		return
	}
	s.byID[id] = cb
}

// Resolve looks up the callback for resp's id and resolves it, consuming
// the entry. It reports whether a matching callback was found.
func (s *CallbackStore) Resolve(resp Stanza) bool {
	id := resp.ID()
	cb, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	cb.Resolve(resp)
	return true
}

// Sweep drops and returns every callback that has expired as of now,
// dropping them silently from the store; the caller is expected to log a
// warning for each.
func (s *CallbackStore) Sweep(now time.Time) []*Callback {
	var expired []*Callback
	for id, cb := range s.byID {
		if cb.Expired(now) {
			expired = append(expired, cb)
			delete(s.byID, id)
		}
	}
	return expired
}

// DropAll abandons every outstanding callback without resolving it.
func (s *CallbackStore) DropAll() []*Callback {
	all := make([]*Callback, 0, len(s.byID))
	for id, cb := range s.byID {
		all = append(all, cb)
		delete(s.byID, id)
	}
	return all
}

// Len reports the number of outstanding callbacks.
func (s *CallbackStore) Len() int { return len(s.byID) }
