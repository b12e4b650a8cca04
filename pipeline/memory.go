package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

var (
	ErrClosed   = errors.New("pipeline is closed")
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
	ErrBadTx    = errors.New("malformed transaction")
)

// Trigger derives follow-up transactions from an applied one. Derived
// transactions are applied and then pushed through the broadcast callback.
type Trigger func(tx protocol.Tx) []protocol.Tx

// Memory is an in-process Pipeline keeping documents per class. It backs the
// pooler when no external engine is wired and the package tests.
type Memory struct {
	mu        sync.RWMutex
	desc      Descriptor
	docs      map[string]map[string]protocol.Doc
	broadcast BroadcastFunc
	trigger   Trigger
	closed    bool
}

// NewMemoryFactory returns a Factory producing empty Memory pipelines.
func NewMemoryFactory(trigger Trigger) Factory {
	return func(_ context.Context, ws Descriptor, _ bool, broadcast BroadcastFunc) (Pipeline, error) {
		return NewMemory(ws, broadcast, trigger), nil
	}
}

func NewMemory(desc Descriptor, broadcast BroadcastFunc, trigger Trigger) *Memory {
	return &Memory{
		desc:      desc,
		docs:      make(map[string]map[string]protocol.Doc),
		broadcast: broadcast,
		trigger:   trigger,
	}
}

func (m *Memory) Descriptor() Descriptor {
	return m.desc
}

func (m *Memory) FindAll(_ context.Context, class string, query map[string]any, opts *protocol.FindOptions) (*protocol.FindResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	matched := make([]protocol.Doc, 0)
	for _, doc := range m.docs[class] {
		if matches(doc, query) {
			matched = append(matched, maps.Clone(doc))
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })
	if opts != nil && len(opts.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, f := range opts.Sort {
				c := compare(matched[i][f.Key], matched[j][f.Key])
				if c == 0 {
					continue
				}
				if f.Order < 0 {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	result := &protocol.FindResult{Total: len(matched)}
	if opts != nil && opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	result.Docs = matched

	if opts != nil && len(opts.Lookup) > 0 {
		result.LookupMap = m.lookup(matched, opts.Lookup)
	}
	return result, nil
}

// lookup resolves reference fields of docs against every class. Callers hold mu.
func (m *Memory) lookup(docs []protocol.Doc, fields []string) map[string]protocol.Doc {
	out := make(map[string]protocol.Doc)
	for _, doc := range docs {
		for _, field := range fields {
			ref, ok := doc[field].(string)
			if !ok || ref == "" {
				continue
			}
			for _, byID := range m.docs {
				if target, ok := byID[ref]; ok {
					out[ref] = maps.Clone(target)
					break
				}
			}
		}
	}
	return out
}

// Tx applies tx and the transactions its trigger derives as one unit: if
// any of them fails, none of them stays applied.
func (m *Memory) Tx(ctx context.Context, tx protocol.Tx) (*TxResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	var j journal
	doc, err := m.apply(tx, &j)
	if err != nil {
		m.rollback(j)
		m.mu.Unlock()
		return nil, err
	}
	var derived []protocol.Tx
	if m.trigger != nil {
		for _, d := range m.trigger(tx) {
			if _, derr := m.apply(d, &j); derr != nil {
				m.rollback(j)
				m.mu.Unlock()
				return nil, fmt.Errorf("trigger for %s: %w", tx.ID, derr)
			}
			derived = append(derived, d)
		}
	}
	m.mu.Unlock()

	if len(derived) > 0 && m.broadcast != nil {
		m.broadcast(ctx, derived, nil)
	}
	return &TxResult{Result: doc}, nil
}

// replaced is a stored document before a tx touched it; prev is nil when
// the tx created it.
type replaced struct {
	class, id string
	prev      protocol.Doc
}

// journal records what a tx replaced, newest last.
type journal []replaced

func (j *journal) record(class, id string, prev protocol.Doc) {
	*j = append(*j, replaced{class: class, id: id, prev: prev})
}

// rollback restores everything recorded in j. Callers hold mu.
func (m *Memory) rollback(j journal) {
	for i := len(j) - 1; i >= 0; i-- {
		e := j[i]
		if e.prev == nil {
			delete(m.docs[e.class], e.id)
			continue
		}
		m.docs[e.class][e.id] = e.prev
	}
}

// apply mutates the store, recording the replaced documents in j. Stored
// documents are replaced, never edited, so j can put them back. Callers hold
// mu.
func (m *Memory) apply(tx protocol.Tx, j *journal) (protocol.Doc, error) {
	if tx.ObjectClass == "" || tx.ObjectID == "" {
		return nil, fmt.Errorf("%w: %s needs objectClass and objectId", ErrBadTx, tx.ID)
	}
	byID := m.docs[tx.ObjectClass]
	if byID == nil {
		byID = make(map[string]protocol.Doc)
		m.docs[tx.ObjectClass] = byID
	}
	modifiedOn := tx.ModifiedOn
	if modifiedOn == 0 {
		modifiedOn = time.Now().UnixMilli()
	}

	switch tx.Kind {
	case protocol.TxCreate:
		if _, ok := byID[tx.ObjectID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrExists, tx.ObjectID)
		}
		doc := protocol.Doc{}
		maps.Copy(doc, tx.Attributes)
		doc[protocol.FieldID] = tx.ObjectID
		doc[protocol.FieldClass] = tx.ObjectClass
		doc["modifiedBy"] = tx.ModifiedBy
		doc["modifiedOn"] = modifiedOn
		j.record(tx.ObjectClass, tx.ObjectID, nil)
		byID[tx.ObjectID] = doc
		return maps.Clone(doc), nil
	case protocol.TxUpdate:
		prev, ok := byID[tx.ObjectID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, tx.ObjectID)
		}
		doc := maps.Clone(prev)
		maps.Copy(doc, tx.Attributes)
		doc["modifiedBy"] = tx.ModifiedBy
		doc["modifiedOn"] = modifiedOn
		j.record(tx.ObjectClass, tx.ObjectID, prev)
		byID[tx.ObjectID] = doc
		return maps.Clone(doc), nil
	case protocol.TxRemove:
		prev, ok := byID[tx.ObjectID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, tx.ObjectID)
		}
		j.record(tx.ObjectClass, tx.ObjectID, prev)
		delete(byID, tx.ObjectID)
		return protocol.Doc{protocol.FieldID: tx.ObjectID, protocol.FieldClass: tx.ObjectClass}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadTx, tx.Kind)
	}
}

func (m *Memory) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func matches(doc protocol.Doc, query map[string]any) bool {
	for k, want := range query {
		if compare(doc[k], want) != 0 {
			return false
		}
	}
	return true
}

// compare orders numbers numerically and everything else by its printed form.
func compare(a, b any) int {
	fa, aok := number(a)
	fb, bok := number(b)
	if aok && bok {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
