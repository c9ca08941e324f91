// Package messagesync keeps one two-party conversation as an ordered,
// deduplicated, gap-free list fed by page fetches, optimistic sends and the
// change feed, in whatever order those resolve.
package messagesync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SARVESHVARADKAR123/peersync/internal/domain"
	"github.com/SARVESHVARADKAR123/peersync/internal/observability"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultPageSize = 20

// Store is the message access the conversation needs.
type Store interface {
	ListDirection(ctx context.Context, senderID, receiverID, cursorAfter string, limit int) ([]domain.Message, error)
	CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, id string) (domain.Message, error)
}

type Options struct {
	PageSize int
	Log      *zap.Logger
	// OnChange receives a snapshot after every state change. Calls are
	// serialized and must not block on the conversation.
	OnChange func(View)

	Now   func() time.Time
	NewID func() string
}

// View is what a UI renders. Messages are newest first.
type View struct {
	Messages     []domain.Message `json:"messages"`
	LoadingOlder bool             `json:"loadingOlder"`
	HasMore      bool             `json:"hasMore"`
	LoadFailed   bool             `json:"loadFailed"`
}

// Direction indexes: outgoing is local -> peer, incoming is peer -> local.
const (
	outgoing = 0
	incoming = 1
)

type Conversation struct {
	store   Store
	localID string
	peerID  string
	opts    Options
	log     *zap.Logger

	mu        sync.Mutex
	messages  []domain.Message
	ids       map[string]struct{}
	keys      map[domain.DedupKey]string
	cursors   [2]string
	exhausted [2]bool
	loaded    bool
	inFlight  bool
	older     bool
	failed    bool
	gen       uint64
	closed    bool

	notifyMu sync.Mutex
}

func New(store Store, localID, peerID string, opts Options) *Conversation {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Conversation{
		store:   store,
		localID: localID,
		peerID:  peerID,
		opts:    opts,
		log:     log.With(zap.String("local_id", localID), zap.String("peer_id", peerID)),
		ids:     make(map[string]struct{}),
		keys:    make(map[domain.DedupKey]string),
	}
}

func (c *Conversation) PeerID() string {
	return c.peerID
}

// LoadFirstPage fetches the newest page across both directions and merges it
// into the list. Messages already present, including realtime arrivals, are
// kept. Calling it again restarts pagination from the newest message.
func (c *Conversation) LoadFirstPage(ctx context.Context, pageSize int) ([]domain.Message, error) {
	if pageSize <= 0 {
		pageSize = c.opts.PageSize
	}

	c.mu.Lock()
	if err := c.beginLocked(false); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	gen := c.gen
	c.mu.Unlock()

	start := time.Now()
	res, err := c.fetch(ctx, [2]string{}, [2]bool{}, pageSize)
	observability.MessagePageFetchDuration.WithLabelValues("first").Observe(time.Since(start).Seconds())

	return c.finish(gen, res, err, pageSize, true)
}

// LoadOlderPage continues each direction from its own oldest loaded message.
// When both directions are exhausted it returns an empty page and HasMore
// reports false. A call made while another page is loading returns
// ErrPageInFlight and changes nothing.
func (c *Conversation) LoadOlderPage(ctx context.Context, pageSize int) ([]domain.Message, error) {
	if pageSize <= 0 {
		pageSize = c.opts.PageSize
	}

	c.mu.Lock()
	if !c.loaded && !c.inFlight && !c.closed {
		c.mu.Unlock()
		return c.LoadFirstPage(ctx, pageSize)
	}
	if c.loaded && c.exhausted[outgoing] && c.exhausted[incoming] && !c.inFlight && !c.closed {
		c.mu.Unlock()
		return []domain.Message{}, nil
	}
	if err := c.beginLocked(true); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	gen := c.gen
	cursors := c.cursors
	skip := c.exhausted
	c.mu.Unlock()

	c.notify()

	start := time.Now()
	res, err := c.fetch(ctx, cursors, skip, pageSize)
	observability.MessagePageFetchDuration.WithLabelValues("older").Observe(time.Since(start).Seconds())

	return c.finish(gen, res, err, pageSize, false)
}

func (c *Conversation) beginLocked(older bool) error {
	if c.closed {
		return domain.ErrClosed
	}
	if c.inFlight {
		return domain.ErrPageInFlight
	}
	c.inFlight = true
	c.older = older
	if !older {
		c.gen++
	}
	return nil
}

func (c *Conversation) fetch(ctx context.Context, cursors [2]string, skip [2]bool, limit int) ([2][]domain.Message, error) {
	var res [2][]domain.Message

	g, gctx := errgroup.WithContext(ctx)
	for d := range 2 {
		if skip[d] {
			continue
		}
		from, to := c.direction(d)
		g.Go(func() error {
			msgs, err := c.store.ListDirection(gctx, from, to, cursors[d], limit)
			if err != nil {
				return fmt.Errorf("list %s->%s: %w", from, to, err)
			}
			res[d] = msgs
			return nil
		})
	}
	err := g.Wait()
	return res, err
}

func (c *Conversation) direction(d int) (string, string) {
	if d == outgoing {
		return c.localID, c.peerID
	}
	return c.peerID, c.localID
}

type tagged struct {
	msg domain.Message
	dir int
}

// finish applies a fetch result unless the conversation was closed or a
// newer first-page load started meanwhile.
func (c *Conversation) finish(gen uint64, res [2][]domain.Message, fetchErr error, limit int, first bool) ([]domain.Message, error) {
	c.mu.Lock()
	if c.closed || c.gen != gen {
		c.mu.Unlock()
		return nil, domain.ErrClosed
	}
	c.inFlight = false
	c.older = false

	if fetchErr != nil {
		c.failed = true
		c.mu.Unlock()
		c.log.Warn("messagesync: page load failed", zap.Bool("first_page", first), zap.Error(fetchErr))
		c.notify()
		return nil, fetchErr
	}
	c.failed = false

	combined := make([]tagged, 0, len(res[outgoing])+len(res[incoming]))
	for d := range 2 {
		for _, m := range res[d] {
			m.CreatedAt = domain.NormalizeTime(m.CreatedAt)
			m.Pending, m.Failed = false, false
			combined = append(combined, tagged{msg: m, dir: d})
		}
	}
	sort.SliceStable(combined, func(i, j int) bool {
		return domain.Newer(&combined[i].msg, &combined[j].msg)
	})
	if len(combined) > limit {
		combined = combined[:limit]
	}

	var kept [2]int
	if first {
		c.cursors = [2]string{}
		c.exhausted = [2]bool{}
	}
	page := make([]domain.Message, 0, len(combined))
	for _, t := range combined {
		kept[t.dir]++
		c.cursors[t.dir] = t.msg.ID
		page = append(page, t.msg)
		if !c.insertLocked(t.msg) {
			observability.MessagesDeduplicatedTotal.WithLabelValues("page").Inc()
		}
	}
	for d := range 2 {
		if c.exhausted[d] {
			continue
		}
		if len(res[d]) < limit && kept[d] == len(res[d]) {
			c.exhausted[d] = true
		}
	}
	c.loaded = true
	c.mu.Unlock()

	c.notify()
	return page, nil
}

// AppendFromFeed inserts a realtime message at its ordered position. It
// reports false for duplicates and for messages of other conversations.
func (c *Conversation) AppendFromFeed(m domain.Message) bool {
	if !m.Between(c.localID, c.peerID) {
		return false
	}
	m.CreatedAt = domain.NormalizeTime(m.CreatedAt)
	m.Pending, m.Failed = false, false

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	inserted := c.insertLocked(m)
	c.mu.Unlock()

	if !inserted {
		observability.MessagesDeduplicatedTotal.WithLabelValues("feed").Inc()
		c.log.Debug("messagesync: duplicate feed message dropped", zap.String("message_id", m.ID))
	}
	c.notify()
	return inserted
}

// HandleEvent is the change-feed listener for this conversation. Partial
// payloads are resolved by fetching the message.
func (c *Conversation) HandleEvent(ctx context.Context, ev domain.Event) error {
	created, ok := ev.(domain.MessageCreated)
	if !ok {
		return nil
	}
	m := created.Message
	if created.Partial {
		fetched, err := c.store.GetMessage(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("fetch message %s: %w", m.ID, err)
		}
		m = fetched
	}
	c.AppendFromFeed(m)
	return nil
}

// insertLocked adds m unless its id or dedup key is already present. A
// confirmed copy replaces a pending or failed local one.
func (c *Conversation) insertLocked(m domain.Message) bool {
	if i := c.indexLocked(m.ID); i >= 0 {
		c.confirmLocked(i, m)
		return false
	}
	if id, ok := c.keys[m.Key()]; ok {
		if i := c.indexLocked(id); i >= 0 {
			c.confirmLocked(i, m)
		}
		return false
	}

	i := sort.Search(len(c.messages), func(i int) bool {
		return domain.Newer(&m, &c.messages[i])
	})
	c.messages = append(c.messages, domain.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
	c.ids[m.ID] = struct{}{}
	c.keys[m.Key()] = m.ID
	return true
}

func (c *Conversation) confirmLocked(i int, m domain.Message) {
	cur := c.messages[i]
	if !cur.Pending && !cur.Failed {
		return
	}
	if m.Pending || m.Failed {
		return
	}
	delete(c.ids, cur.ID)
	delete(c.keys, cur.Key())
	c.messages[i] = m
	c.ids[m.ID] = struct{}{}
	c.keys[m.Key()] = m.ID
}

func (c *Conversation) indexLocked(id string) int {
	if _, ok := c.ids[id]; !ok {
		return -1
	}
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Send shows the message immediately as pending, then writes it. The id and
// creation time are fixed before the write so the feed echo deduplicates
// against the pending copy. On failure the message stays in the list flagged
// failed and can be retried.
func (c *Conversation) Send(ctx context.Context, body string, kind domain.MessageKind, mediaID string) (domain.Message, error) {
	m, err := domain.NewMessage(c.opts.NewID(), c.localID, c.peerID, kind, body, mediaID, c.opts.Now())
	if err != nil {
		return domain.Message{}, err
	}
	m.Pending = true

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.Message{}, domain.ErrClosed
	}
	for {
		if _, taken := c.keys[m.Key()]; !taken {
			break
		}
		m.CreatedAt = m.CreatedAt.Add(time.Microsecond)
	}
	c.insertLocked(*m)
	c.mu.Unlock()
	c.notify()

	return c.write(ctx, *m)
}

// Retry rewrites a failed message with its original id and timestamp.
func (c *Conversation) Retry(ctx context.Context, id string) (domain.Message, error) {
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrMessageNotFound)
	}
	m := c.messages[i]
	if !m.Failed {
		c.mu.Unlock()
		return m, nil
	}
	m.Failed = false
	m.Pending = true
	c.messages[i] = m
	c.mu.Unlock()
	c.notify()

	return c.write(ctx, m)
}

func (c *Conversation) write(ctx context.Context, m domain.Message) (domain.Message, error) {
	send := m
	send.Pending = false
	stored, err := c.store.CreateMessage(ctx, send)

	c.mu.Lock()
	i := c.indexLocked(m.ID)
	if err != nil {
		if i >= 0 && c.messages[i].Pending {
			c.messages[i].Pending = false
			c.messages[i].Failed = true
			m = c.messages[i]
		}
		c.mu.Unlock()
		c.log.Warn("messagesync: send failed", zap.String("message_id", m.ID), zap.Error(err))
		c.notify()
		return m, fmt.Errorf("send %s: %w", m.ID, err)
	}

	stored.CreatedAt = domain.NormalizeTime(stored.CreatedAt)
	if i >= 0 {
		c.confirmLocked(i, stored)
	}
	c.mu.Unlock()
	c.notify()
	return stored, nil
}

// Snapshot returns a copy of the current view.
func (c *Conversation) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Conversation) viewLocked() View {
	msgs := make([]domain.Message, len(c.messages))
	copy(msgs, c.messages)
	return View{
		Messages:     msgs,
		LoadingOlder: c.inFlight && c.older,
		HasMore:      !c.loaded || !(c.exhausted[outgoing] && c.exhausted[incoming]),
		LoadFailed:   c.failed,
	}
}

// HasMore reports whether older history may remain.
func (c *Conversation) HasMore() bool {
	return c.Snapshot().HasMore
}

// Close discards any in-flight page result and stops change notifications.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	c.gen++
	c.inFlight = false
	c.mu.Unlock()
}

func (c *Conversation) notify() {
	if c.opts.OnChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	v := c.viewLocked()
	c.mu.Unlock()
	c.opts.OnChange(v)
}
