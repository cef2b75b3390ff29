// Package ledger records why a token is in a given visibility or cover
// state. Sources are kept in buckets keyed by state type and, optionally, the
// observer they apply to. The whole ledger for a token lives under one flag
// path and is always rewritten with replace semantics.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"visioner-rules/executor/perception"
	"visioner-rules/executor/ports"
)

// FlagPath is where a token's ledger is stored.
const FlagPath = "stateSource"

// DefaultDedupWindow is how long an identical source write is suppressed.
const DefaultDedupWindow = time.Second

// Bucket is one list of sources plus the state of its highest-priority entry.
type Bucket struct {
	State   string   `json:"state,omitempty"`
	Sources []Source `json:"sources"`
}

// Document is a token's full ledger.
type Document struct {
	Visibility           *Bucket            `json:"visibility,omitempty"`
	Cover                *Bucket            `json:"cover,omitempty"`
	VisibilityByObserver map[string]*Bucket `json:"visibilityByObserver,omitempty"`
	CoverByObserver      map[string]*Bucket `json:"coverByObserver,omitempty"`
}

func (d *Document) global(st perception.StateType) **Bucket {
	if st == perception.StateCover {
		return &d.Cover
	}
	return &d.Visibility
}

func (d *Document) byObserver(st perception.StateType) *map[string]*Bucket {
	if st == perception.StateCover {
		return &d.CoverByObserver
	}
	return &d.VisibilityByObserver
}

func (d *Document) bucket(st perception.StateType, observerID string) *Bucket {
	if observerID == "" {
		return *d.global(st)
	}
	return (*d.byObserver(st))[ports.Key(observerID)]
}

func (d *Document) setBucket(st perception.StateType, observerID string, b *Bucket) {
	if observerID == "" {
		*d.global(st) = b
		return
	}
	m := d.byObserver(st)
	if *m == nil {
		*m = make(map[string]*Bucket)
	}
	(*m)[ports.Key(observerID)] = b
}

// each visits every bucket of the given state types, global bucket first and
// observer buckets in key order.
func (d *Document) each(types []perception.StateType, fn func(st perception.StateType, observerKey string, b *Bucket)) {
	for _, st := range types {
		if b := *d.global(st); b != nil {
			fn(st, "", b)
		}
		m := *d.byObserver(st)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fn(st, k, m[k])
		}
	}
}

// Collect returns the sources of one state type visible to observerID: the
// global bucket followed by that observer's bucket. An empty observerID
// collects every bucket.
func (d *Document) Collect(st perception.StateType, observerID string) []Source {
	var out []Source
	key := ports.Key(observerID)
	d.each([]perception.StateType{st}, func(_ perception.StateType, observerKey string, b *Bucket) {
		if observerKey == "" || observerID == "" || observerKey == key {
			out = append(out, b.Sources...)
		}
	})
	return out
}

// Holders reports where sourceID is stored for one state type: whether the
// global bucket holds it and which observer bucket keys do.
func (d *Document) Holders(st perception.StateType, sourceID string) (global bool, observerKeys []string) {
	d.each([]perception.StateType{st}, func(_ perception.StateType, observerKey string, b *Bucket) {
		if !slices.ContainsFunc(b.Sources, func(s Source) bool { return s.ID == sourceID }) {
			return
		}
		if observerKey == "" {
			global = true
			return
		}
		observerKeys = append(observerKeys, observerKey)
	})
	return global, observerKeys
}

// prune drops empty buckets and empty observer maps.
func (d *Document) prune() {
	for _, st := range []perception.StateType{perception.StateVisibility, perception.StateCover} {
		if g := d.global(st); *g != nil && len((*g).Sources) == 0 {
			*g = nil
		}
		m := d.byObserver(st)
		for k, b := range *m {
			if b == nil || len(b.Sources) == 0 {
				delete(*m, k)
			}
		}
		if len(*m) == 0 {
			*m = nil
		}
	}
}

func (d *Document) empty() bool {
	return d.Visibility == nil && d.Cover == nil && len(d.VisibilityByObserver) == 0 && len(d.CoverByObserver) == 0
}

func (b *Bucket) refreshState() {
	if top := HighestPriority(b.Sources); top != nil {
		b.State = top.State
	} else {
		b.State = ""
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l.Named("ledger")
		}
	}
}

// WithClock injects the clock used by the dedup guard.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// WithDedupWindow sets the dedup window; zero disables deduplication.
func WithDedupWindow(d time.Duration) Option {
	return func(lg *Ledger) { lg.window = d }
}

// Ledger reads and writes per-token state sources through a flag store.
type Ledger struct {
	flags  ports.FlagStore
	logger *zap.Logger
	now    func() time.Time
	window time.Duration
	dedup  *dedupGuard
}

// New creates a Ledger on top of the flag store.
func New(flags ports.FlagStore, opts ...Option) *Ledger {
	lg := &Ledger{
		flags:  flags,
		logger: zap.NewNop(),
		now:    time.Now,
		window: DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(lg)
	}
	lg.dedup = newDedupGuard(lg.window, lg.now)
	return lg
}

// Load returns a token's full ledger. A token without one yields an empty
// document.
func (lg *Ledger) Load(ctx context.Context, tokenID string) (*Document, error) {
	doc, _, err := ports.ReadFlag[Document](ctx, lg.flags, tokenID, FlagPath)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (lg *Ledger) save(ctx context.Context, tokenID string, doc *Document) error {
	doc.prune()
	if doc.empty() {
		return lg.flags.Unset(ctx, tokenID, FlagPath)
	}
	if err := ports.ReplaceFlag(ctx, lg.flags, tokenID, FlagPath, doc); err != nil {
		return fmt.Errorf("write ledger for %s: %w", tokenID, err)
	}
	return nil
}

// AddSource upserts src by id into the addressed bucket. A nil token is a
// no-op.
func (lg *Ledger) AddSource(ctx context.Context, tok *ports.Token, st perception.StateType, src Source, observerID string) error {
	if tok == nil {
		return nil
	}
	if !st.Valid() {
		return fmt.Errorf("unknown state type %q", st)
	}

	key := tok.ID + "\x00" + string(st) + "\x00" + observerID + "\x00" + src.ID
	fp, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode source %s: %w", src.ID, err)
	}
	if lg.dedup.recent(key, string(fp)) {
		lg.logger.Debug("skipping duplicate source write",
			zap.String("token", tok.ID), zap.String("source", src.ID), zap.String("observer", observerID))
		return nil
	}

	doc, err := lg.Load(ctx, tok.ID)
	if err != nil {
		return err
	}
	b := doc.bucket(st, observerID)
	if b == nil {
		b = &Bucket{}
	}
	if i := slices.IndexFunc(b.Sources, func(s Source) bool { return s.ID == src.ID }); i >= 0 {
		b.Sources[i] = src
	} else {
		b.Sources = append(b.Sources, src)
	}
	b.refreshState()
	doc.setBucket(st, observerID, b)

	if err := lg.save(ctx, tok.ID, doc); err != nil {
		return err
	}
	lg.dedup.record(key, tok.ID, src.ID, string(fp))
	lg.logger.Debug("source added",
		zap.String("token", tok.ID), zap.String("type", string(st)),
		zap.String("source", src.ID), zap.String("observer", observerID), zap.String("state", src.State))
	return nil
}

// Sources returns the addressed bucket's sources, or nil.
func (lg *Ledger) Sources(ctx context.Context, tok *ports.Token, st perception.StateType, observerID string) ([]Source, error) {
	if tok == nil {
		return nil, nil
	}
	doc, err := lg.Load(ctx, tok.ID)
	if err != nil {
		return nil, err
	}
	if b := doc.bucket(st, observerID); b != nil {
		return b.Sources, nil
	}
	return nil, nil
}

// QualifyingSources returns the sources that do not disqualify action on st.
func (lg *Ledger) QualifyingSources(ctx context.Context, tok *ports.Token, action string, st perception.StateType, observerID string) ([]Source, error) {
	sources, err := lg.Sources(ctx, tok, st, observerID)
	if err != nil {
		return nil, err
	}
	var out []Source
	for _, s := range sources {
		if s.Qualifies(action, st) {
			out = append(out, s)
		}
	}
	return out, nil
}

// RemoveSource removes sourceID. An empty st covers both state types; an
// empty observerID sweeps the global bucket and every observer bucket.
// Buckets left empty are dropped.
func (lg *Ledger) RemoveSource(ctx context.Context, tok *ports.Token, sourceID string, st perception.StateType, observerID string) error {
	return lg.removeWhere(ctx, tok, st, observerID, func(s Source) bool { return s.ID == sourceID }, sourceID)
}

// RemoveByRuleElement removes every source tagged with ruleElementID from
// every bucket.
func (lg *Ledger) RemoveByRuleElement(ctx context.Context, tok *ports.Token, ruleElementID string) error {
	return lg.removeWhere(ctx, tok, "", "", func(s Source) bool { return s.RuleElementID == ruleElementID }, "")
}

func (lg *Ledger) removeWhere(ctx context.Context, tok *ports.Token, st perception.StateType, observerID string, match func(Source) bool, sourceID string) error {
	if tok == nil {
		return nil
	}
	lg.dedup.forget(tok.ID, sourceID)

	doc, err := lg.Load(ctx, tok.ID)
	if err != nil {
		return err
	}

	types := []perception.StateType{perception.StateVisibility, perception.StateCover}
	if st != "" {
		types = []perception.StateType{st}
	}
	target := ports.Key(observerID)
	removed := 0
	doc.each(types, func(_ perception.StateType, observerKey string, b *Bucket) {
		if observerID != "" && observerKey != target {
			return
		}
		kept := b.Sources[:0]
		for _, s := range b.Sources {
			if match(s) {
				removed++
				continue
			}
			kept = append(kept, s)
		}
		b.Sources = kept
		b.refreshState()
	})
	if removed == 0 {
		return nil
	}
	lg.logger.Debug("sources removed", zap.String("token", tok.ID), zap.Int("count", removed))
	return lg.save(ctx, tok.ID, doc)
}

// Clear drops a token's whole ledger.
func (lg *Ledger) Clear(ctx context.Context, tok *ports.Token) error {
	if tok == nil {
		return nil
	}
	lg.dedup.forget(tok.ID, "")
	return lg.flags.Unset(ctx, tok.ID, FlagPath)
}
