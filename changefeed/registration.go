package changefeed

import (
	"context"
	"encoding/json"
	"sync"

	"glyphdb.dev/glyphdb/dberr"
	"glyphdb.dev/glyphdb/keys"
	"glyphdb.dev/glyphdb/kvs"
)

// Registration is a durable record of one LIVE SELECT, persisted so a
// crashed and restarted node can re-publish its outstanding live queries
// (spec §6.4).
type Registration struct {
	LiveID        string
	NodeID        string
	NS, DB, Table string
	Where         string // serialized expr, empty if unconditional
}

func regKey(nodeID, liveID string) []byte {
	return keys.Key{Kind: keys.KindLiveQuery, NodeID: nodeID, LiveID: liveID}.Encode()
}

// Register persists reg under the owning node's key range, run in its own
// short transaction (registrations outlive the statement that created them).
func Register(ctx context.Context, store kvs.Store, reg Registration) error {
	t, err := store.Transaction(ctx, true)
	if err != nil {
		return err
	}
	b, err := json.Marshal(reg)
	if err != nil {
		t.Cancel()
		return dberr.Wrap(dberr.KindInternal, err, "marshal live query registration")
	}
	if err := t.Put(ctx, regKey(reg.NodeID, reg.LiveID), b); err != nil {
		t.Cancel()
		return dberr.Wrap(dberr.KindInternal, err, "persist live query registration")
	}
	return t.Commit(ctx)
}

// Unregister removes a live query registration (KILL statement).
func Unregister(ctx context.Context, store kvs.Store, nodeID, liveID string) error {
	t, err := store.Transaction(ctx, true)
	if err != nil {
		return err
	}
	if err := t.Del(ctx, regKey(nodeID, liveID)); err != nil {
		t.Cancel()
		return dberr.Wrap(dberr.KindInternal, err, "remove live query registration")
	}
	return t.Commit(ctx)
}

// LoadForNode lists every registration owned by nodeID, used at startup to
// rebuild the in-process Dispatcher's routing table after a restart.
func LoadForNode(ctx context.Context, store kvs.Store, nodeID string) ([]Registration, error) {
	t, err := store.Transaction(ctx, false)
	if err != nil {
		return nil, err
	}
	defer t.Cancel()

	prefix := keys.Key{Kind: keys.KindLiveQuery, NodeID: nodeID}.Encode()
	end := append(append([]byte{}, prefix...), 0xFF)
	rows, err := t.Scan(ctx, prefix, end, 0)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, err, "scan live query registrations")
	}
	out := make([]Registration, 0, len(rows))
	for _, r := range rows {
		var reg Registration
		if err := json.Unmarshal(r.Value, &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

// Router indexes live registrations by (ns, db, table) for DispatchCommit's
// liveIDsForTable callback, and by live ID so KILL — which only names the
// id, not the table it was registered against — can remove a registration
// in one lookup. The engine calls Add/RemoveByID from the goroutine
// handling LIVE/KILL and LiveIDsForTable from the goroutine dispatching a
// just-committed write, so access is mutex-guarded.
type Router struct {
	mu      sync.RWMutex
	byTable map[string][]string
	byID    map[string]Registration
}

func NewRouter(regs []Registration) *Router {
	r := &Router{byTable: map[string][]string{}, byID: map[string]Registration{}}
	for _, reg := range regs {
		r.Add(reg)
	}
	return r
}

func (r *Router) LiveIDsForTable(ns, db, table string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTable[ns+"/"+db+"/"+table]
}

func (r *Router) Add(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := reg.NS + "/" + reg.DB + "/" + reg.Table
	r.byTable[k] = append(r.byTable[k], reg.LiveID)
	r.byID[reg.LiveID] = reg
}

// RemoveByID removes the registration for liveID, wherever it was filed.
// A no-op if liveID is unknown to this router.
func (r *Router) RemoveByID(liveID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[liveID]
	if !ok {
		return
	}
	delete(r.byID, liveID)
	k := reg.NS + "/" + reg.DB + "/" + reg.Table
	ids := r.byTable[k]
	for i, id := range ids {
		if id == liveID {
			r.byTable[k] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
