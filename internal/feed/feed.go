// Package feed models an XDP feed: its sessions, the product to session
// partition and the subscriptions that decide which sessions are used.
//
// A Feed is configured and subscribed on one goroutine before dispatch
// starts; afterwards it is only read.
package feed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"

	"go.uber.org/zap"
	"mdticker.com/internal/event"
	"mdticker.com/internal/model"
	"mdticker.com/internal/symbolmap"
	"mdticker.com/internal/xdp"
	"mdticker.com/pkg/logger"
	"mdticker.com/pkg/xerr"
)

var (
	ErrNotInitialized = errors.New("feed not initialized")
	ErrNoPartition    = errors.New("no session carries product")
	ErrNilHandler     = errors.New("nil handler")
)

type Feed struct {
	settings    Settings
	resolver    *symbolmap.Resolver
	symbols     *symbolmap.Map
	sessions    []*ProductSession
	initialized bool

	subs     map[string][]event.Handler
	wildcard []event.Handler
	updates  []event.Handler
	// union of updates and wildcard, deduplicated
	sessionTargets []event.Handler
}

// New returns an uninitialized feed. resolver may be nil, in which case
// only mapping files are read.
func New(resolver *symbolmap.Resolver) *Feed {
	if resolver == nil {
		resolver = symbolmap.NewResolver(nil)
	}
	return &Feed{
		resolver: resolver,
		subs:     make(map[string][]event.Handler),
	}
}

// Init validates settings and builds the sessions. The mapping file is read
// best effort: it seeds the decoders and the channel partition.
func (f *Feed) Init(ctx context.Context, s Settings) error {
	if f.initialized {
		return xerr.New(xerr.Init, "feed already initialized")
	}
	if err := ValidateName(s.FeedName); err != nil {
		return err
	}
	if s.LicenseFile != "" {
		fh, err := os.Open(s.LicenseFile)
		if err != nil {
			return xerr.Wrap(xerr.Init, err, "license file")
		}
		_ = fh.Close()
	}
	if len(s.Sessions) == 0 {
		return xerr.New(xerr.Init, "feed "+s.FeedName+" has no sessions configured")
	}

	seen := make(map[string]struct{}, len(s.Sessions))
	sessions := make([]*ProductSession, 0, len(s.Sessions))
	for _, sc := range s.Sessions {
		sess, err := newSession(f, sc)
		if err != nil {
			return xerr.Wrap(xerr.Init, err, "session config")
		}
		if _, dup := seen[sess.name]; dup {
			return xerr.New(xerr.Init, "duplicate session "+sess.name)
		}
		seen[sess.name] = struct{}{}
		sessions = append(sessions, sess)
	}

	f.settings = s
	f.sessions = sessions
	f.symbols = f.resolver.Load(ctx, f.MappingRequest())
	for _, e := range f.symbols.Entries() {
		info := xdp.SymbolInfo{Name: e.Symbol, PriceScale: e.PriceScale, MarketID: e.MarketID, SystemID: e.SystemID}
		for _, sess := range f.sessions {
			sess.proc.Seed(e.Index, info)
		}
	}
	f.initialized = true
	f.warnUnservedChannels(ctx)

	logger.Debug(ctx, "feed initialized",
		zap.String("feed", s.FeedName),
		zap.Int("sessions", len(sessions)),
		zap.Int("mapped_symbols", f.symbols.Len()))
	return nil
}

// warnUnservedChannels logs mapped channels no configured session carries.
// Products on them fall back to the symbol range partition.
func (f *Feed) warnUnservedChannels(ctx context.Context) {
	if missing := f.unservedChannels(); len(missing) > 0 {
		logger.Warn(ctx, "mapped channels without a session",
			zap.String("feed", f.settings.FeedName), zap.Ints("channels", missing))
	}
}

// unservedChannels is empty for feeds partitioned by symbol range only.
func (f *Feed) unservedChannels() []int {
	if !f.hasChannelSessions() {
		return nil
	}
	var missing []int
	for _, ch := range f.symbols.Channels() {
		served := false
		for _, s := range f.sessions {
			if s.channelID == ch {
				served = true
				break
			}
		}
		if !served {
			missing = append(missing, ch)
		}
	}
	return missing
}

func (f *Feed) hasChannelSessions() bool {
	for _, s := range f.sessions {
		if s.channelID != 0 {
			return true
		}
	}
	return false
}

func (f *Feed) Name() string { return f.settings.FeedName }

func (f *Feed) Settings() Settings { return f.settings }

// MappingRequest selects the mapping file for this feed.
func (f *Feed) MappingRequest() symbolmap.Request {
	return symbolmap.Request{
		Feed:       f.settings.FeedName,
		Options:    f.settings.IsOptions(),
		SymbolFile: f.settings.SymbolMapFile,
		SeriesFile: f.settings.SeriesMapFile,
	}
}

// SubscribeToProduct delivers the events of product to h and marks every
// session carrying it as used.
func (f *Feed) SubscribeToProduct(product model.Product, h event.Handler) error {
	if !f.initialized {
		return xerr.Wrap(xerr.Subscription, ErrNotInitialized, product.Name)
	}
	if h == nil {
		return xerr.Wrap(xerr.Subscription, ErrNilHandler, product.Name)
	}
	if product.IsZero() {
		return xerr.New(xerr.Subscription, "empty product name")
	}

	targets := f.partition(product.Name)
	if len(targets) == 0 {
		return xerr.Wrap(xerr.Subscription, ErrNoPartition, product.Name)
	}
	for _, s := range targets {
		s.products[product.Name] = struct{}{}
	}
	f.subs[product.Name] = addHandler(f.subs[product.Name], h)
	return nil
}

// SubscribeToAllProducts delivers every product without an explicit
// subscriber to h, plus session level events. It does not mark sessions
// as used.
func (f *Feed) SubscribeToAllProducts(h event.Handler) error {
	if !f.initialized {
		return xerr.Wrap(xerr.Subscription, ErrNotInitialized, "all products")
	}
	if h == nil {
		return xerr.Wrap(xerr.Subscription, ErrNilHandler, "all products")
	}
	f.wildcard = addHandler(f.wildcard, h)
	f.rebuildSessionTargets()
	return nil
}

// SubscribeToAllFeedUpdates delivers session level events (packet begin,
// gaps, errors) to h.
func (f *Feed) SubscribeToAllFeedUpdates(h event.Handler) error {
	if h == nil {
		return xerr.Wrap(xerr.Subscription, ErrNilHandler, "feed updates")
	}
	f.updates = addHandler(f.updates, h)
	f.rebuildSessionTargets()
	return nil
}

// TrimUnusedProductSessions drops every session without a product
// subscription.
func (f *Feed) TrimUnusedProductSessions() {
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if len(s.products) > 0 {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(f.sessions); i++ {
		f.sessions[i] = nil
	}
	f.sessions = kept
}

// Sessions returns the current sessions in configuration order.
func (f *Feed) Sessions() []Session {
	out := make([]Session, len(f.sessions))
	for i, s := range f.sessions {
		out[i] = s
	}
	return out
}

// Session looks a session up by instance name.
func (f *Feed) Session(name string) (*ProductSession, bool) {
	for _, s := range f.sessions {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// SubscriptionCount is the number of distinct subscribed products.
func (f *Feed) SubscriptionCount() int { return len(f.subs) }

// partition lists the sessions carrying symbol: the session of its mapped
// channel when that is known, else sessions whose ranges cover it, plus
// sessions that carry everything.
func (f *Feed) partition(symbol string) []*ProductSession {
	var out []*ProductSession
	if e, ok := f.symbols.Lookup(symbol); ok && e.ChannelID != 0 {
		for _, s := range f.sessions {
			if s.channelID == e.ChannelID {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	for _, s := range f.sessions {
		if s.takesAll() || s.inRange(symbol) {
			out = append(out, s)
		}
	}
	return out
}

func (f *Feed) rebuildSessionTargets() {
	var targets []event.Handler
	for _, h := range f.updates {
		targets = addHandler(targets, h)
	}
	for _, h := range f.wildcard {
		targets = addHandler(targets, h)
	}
	f.sessionTargets = targets
}

// addHandler appends h unless the same handler is already present.
func addHandler(list []event.Handler, h event.Handler) []event.Handler {
	for _, x := range list {
		if sameHandler(x, h) {
			return list
		}
	}
	return append(list, h)
}

// sameHandler compares comparable handlers with ==. Slice, map and func
// handlers are the same when they share their backing storage.
func sameHandler(a, b event.Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Slice:
		return va.Len() == vb.Len() && va.Pointer() == vb.Pointer()
	case reflect.Map, reflect.Func:
		return va.Pointer() == vb.Pointer()
	}
	return false
}

func (f *Feed) String() string {
	return fmt.Sprintf("%s(%d sessions, %d products)", f.settings.FeedName, len(f.sessions), len(f.subs))
}
