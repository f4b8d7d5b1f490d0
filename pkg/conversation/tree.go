package conversation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrMessageNotFound = errors.New("message not found")
var ErrDuplicateMessage = errors.New("message id already present")

type Direction int

const (
	Previous Direction = -1
	Next     Direction = 1
)

// ChatSession holds every message ever created in a conversation, including
// abandoned branches, and the id of the leaf the user is currently looking at.
//
// Messages form a forest: each message references its parent and children by
// id. A session is not safe for concurrent structural mutation; callers must
// serialize edits with an in-flight generation turn.
type ChatSession struct {
	ID            string
	Title         string
	Messages      map[MessageID]*Message
	CurrentLeafID MessageID
	SystemPrompt  string
	Model         string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// IsGenerating is set while a turn is streaming into this session.
	IsGenerating bool

	// insertion order, used for stable serialization and Roots
	order []MessageID

	version int
	thread  threadCache

	titleMu sync.Mutex
}

type threadCache struct {
	valid   bool
	leaf    MessageID
	count   int
	version int
	ids     []MessageID
}

type SessionOption func(*ChatSession)

func WithSessionID(id string) SessionOption {
	return func(s *ChatSession) {
		s.ID = id
	}
}

func WithSystemPrompt(prompt string) SessionOption {
	return func(s *ChatSession) {
		s.SystemPrompt = prompt
	}
}

func WithSessionModel(model string) SessionOption {
	return func(s *ChatSession) {
		s.Model = model
	}
}

func WithTitle(title string) SessionOption {
	return func(s *ChatSession) {
		s.Title = title
	}
}

func NewChatSession(options ...SessionOption) *ChatSession {
	now := time.Now()
	ret := &ChatSession{
		ID:        uuid.NewString(),
		Messages:  map[MessageID]*Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// GetTitle and SetTitle may be called from a background goroutine while the
// session is otherwise idle.
func (s *ChatSession) GetTitle() string {
	s.titleMu.Lock()
	defer s.titleMu.Unlock()
	return s.Title
}

func (s *ChatSession) SetTitle(title string) {
	s.titleMu.Lock()
	defer s.titleMu.Unlock()
	s.Title = title
}

// Clone returns a deep copy that shares no messages with s.
func (s *ChatSession) Clone() *ChatSession {
	s.titleMu.Lock()
	ret := clone.Clone(s).(*ChatSession)
	s.titleMu.Unlock()
	ret.titleMu = sync.Mutex{}
	ret.invalidate()
	return ret
}

func (s *ChatSession) Len() int {
	return len(s.Messages)
}

func (s *ChatSession) Message(id MessageID) (*Message, bool) {
	m, ok := s.Messages[id]
	return m, ok
}

// Leaf returns the message at CurrentLeafID, or nil for an empty session.
func (s *ChatSession) Leaf() *Message {
	return s.Messages[s.CurrentLeafID]
}

// Touch marks the session as modified.
func (s *ChatSession) Touch() {
	s.UpdatedAt = time.Now()
	s.invalidate()
}

func (s *ChatSession) invalidate() {
	s.version++
	s.thread.valid = false
}

func (s *ChatSession) register(m *Message) {
	if s.Messages == nil {
		s.Messages = map[MessageID]*Message{}
	}
	s.Messages[m.ID] = m
	s.order = append(s.order, m.ID)
}

// orderedIDs returns all message ids in insertion order. Ids that were put
// into Messages directly are appended in a deterministic order.
func (s *ChatSession) orderedIDs() []MessageID {
	seen := make(map[MessageID]bool, len(s.order))
	ret := make([]MessageID, 0, len(s.Messages))
	for _, id := range s.order {
		if _, ok := s.Messages[id]; ok && !seen[id] {
			seen[id] = true
			ret = append(ret, id)
		}
	}
	if len(ret) != len(s.Messages) {
		var extra []*Message
		for id, m := range s.Messages {
			if !seen[id] {
				extra = append(extra, m)
			}
		}
		sortByTimestamp(extra)
		for _, m := range extra {
			ret = append(ret, m.ID)
		}
		s.order = ret
	}
	return ret
}

type addOptions struct {
	parentID MessageID
}

type AddOption func(*addOptions)

// WithParentID attaches the new message below id instead of the current leaf.
func WithParentID(id MessageID) AddOption {
	return func(o *addOptions) {
		o.parentID = id
	}
}

// AsRoot starts a new conversation root.
func AsRoot() AddOption {
	return WithParentID(NullID)
}

// AddMessage registers msg as a child of the current leaf (or of the parent
// given as option) and makes it the new leaf. msg gets a fresh id unless it
// already carries one.
func (s *ChatSession) AddMessage(msg *Message, options ...AddOption) (*Message, error) {
	opts := addOptions{parentID: s.CurrentLeafID}
	for _, option := range options {
		option(&opts)
	}

	var parent *Message
	if opts.parentID != NullID {
		p, ok := s.Messages[opts.parentID]
		if !ok {
			return nil, errors.Wrapf(ErrMessageNotFound, "parent %s", opts.parentID)
		}
		parent = p
	}

	if msg.ID == NullID {
		msg.ID = NewMessageID()
	} else if _, exists := s.Messages[msg.ID]; exists {
		return nil, errors.Wrapf(ErrDuplicateMessage, "message %s", msg.ID)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.ParentID = opts.parentID
	msg.ChildrenIDs = []MessageID{}

	s.register(msg)
	if parent != nil {
		parent.ChildrenIDs = append(parent.ChildrenIDs, msg.ID)
	}
	s.CurrentLeafID = msg.ID
	s.Touch()

	log.Trace().
		Str("session", s.ID).
		Str("message", msg.ID.String()).
		Str("parent", opts.parentID.String()).
		Str("role", string(msg.Role)).
		Msg("added message")
	return msg, nil
}

// EditMessage forks id: it creates a sibling with the same parent and
// newContent, leaving the original untouched, and makes the sibling the new
// leaf. The sibling's parts are cleared and rebuilt lazily from content.
// Returns nil if id does not exist.
func (s *ChatSession) EditMessage(id MessageID, newContent string) *Message {
	orig, ok := s.Messages[id]
	if !ok {
		return nil
	}

	fork := &Message{
		ID:          NewMessageID(),
		Role:        orig.Role,
		ParentID:    orig.ParentID,
		ChildrenIDs: []MessageID{},
		Content:     newContent,
		Attachments: append([]Attachment(nil), orig.Attachments...),
		Model:       orig.Model,
		Timestamp:   time.Now(),
	}

	s.register(fork)
	if parent, ok := s.Messages[fork.ParentID]; ok {
		parent.ChildrenIDs = append(parent.ChildrenIDs, fork.ID)
	}
	s.CurrentLeafID = fork.ID
	s.Touch()

	log.Trace().
		Str("session", s.ID).
		Str("original", id.String()).
		Str("fork", fork.ID.String()).
		Msg("forked message on edit")
	return fork
}

// DeleteMessage removes id and its whole subtree, walking children ids. If
// the current leaf was inside the subtree, the leaf moves to the former parent
// of id. Returns the number of removed messages.
func (s *ChatSession) DeleteMessage(id MessageID) int {
	target, ok := s.Messages[id]
	if !ok {
		return 0
	}

	doomed := map[MessageID]bool{}
	stack := []MessageID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if doomed[cur] {
			continue
		}
		doomed[cur] = true
		if m, ok := s.Messages[cur]; ok {
			stack = append(stack, m.ChildrenIDs...)
		}
	}

	if parent, ok := s.Messages[target.ParentID]; ok {
		parent.ChildrenIDs = removeID(parent.ChildrenIDs, id)
	}

	leafRemoved := doomed[s.CurrentLeafID]
	for d := range doomed {
		delete(s.Messages, d)
	}
	s.order = filterIDs(s.order, func(m MessageID) bool { return !doomed[m] })

	if leafRemoved {
		if _, ok := s.Messages[target.ParentID]; ok {
			s.CurrentLeafID = target.ParentID
		} else {
			s.CurrentLeafID = NullID
		}
	}
	s.Touch()

	log.Trace().
		Str("session", s.ID).
		Str("message", id.String()).
		Int("removed", len(doomed)).
		Msg("deleted subtree")
	return len(doomed)
}

// NavigateBranch moves to the next or previous sibling of id, wrapping
// around, then descends along the newest child to a leaf which becomes the
// current leaf. Roots and unknown ids are a no-op. Returns the new leaf.
func (s *ChatSession) NavigateBranch(id MessageID, direction Direction) (MessageID, bool) {
	m, ok := s.Messages[id]
	if !ok || m.ParentID == NullID {
		return s.CurrentLeafID, false
	}
	parent, ok := s.Messages[m.ParentID]
	if !ok {
		return s.CurrentLeafID, false
	}

	siblings := parent.ChildrenIDs
	idx := indexOf(siblings, id)
	if idx < 0 {
		return s.CurrentLeafID, false
	}
	n := len(siblings)
	next := ((idx+int(direction))%n + n) % n

	leaf := s.descend(siblings[next])
	s.CurrentLeafID = leaf
	s.invalidate()
	return leaf, true
}

// descend follows the last child from id until a leaf is reached.
func (s *ChatSession) descend(id MessageID) MessageID {
	for steps := 0; steps <= len(s.Messages); steps++ {
		m, ok := s.Messages[id]
		if !ok || len(m.ChildrenIDs) == 0 {
			return id
		}
		child := m.ChildrenIDs[len(m.ChildrenIDs)-1]
		if _, ok := s.Messages[child]; !ok {
			return id
		}
		id = child
	}
	return id
}

// SetCurrentLeaf jumps to an arbitrary message. The message does not need to
// be a leaf; the active thread then ends there.
func (s *ChatSession) SetCurrentLeaf(id MessageID) error {
	if id == NullID {
		s.CurrentLeafID = NullID
		s.invalidate()
		return nil
	}
	if _, ok := s.Messages[id]; !ok {
		return errors.Wrapf(ErrMessageNotFound, "message %s", id)
	}
	s.CurrentLeafID = id
	s.invalidate()
	return nil
}

// ActiveThread returns the root-to-leaf path ending at CurrentLeafID. The
// walk stops after len(Messages) steps so a corrupted parent chain cannot
// loop forever.
func (s *ChatSession) ActiveThread() Conversation {
	if s.thread.valid &&
		s.thread.leaf == s.CurrentLeafID &&
		s.thread.count == len(s.Messages) &&
		s.thread.version == s.version {
		return s.lookup(s.thread.ids)
	}

	var ids []MessageID
	id := s.CurrentLeafID
	for steps := 0; id != NullID && steps < len(s.Messages); steps++ {
		m, ok := s.Messages[id]
		if !ok {
			break
		}
		ids = append(ids, id)
		id = m.ParentID
	}
	if id != NullID && len(ids) == len(s.Messages) && len(ids) > 0 {
		log.Warn().Str("session", s.ID).Msg("parent chain does not terminate, truncating active thread")
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	s.thread = threadCache{
		valid:   true,
		leaf:    s.CurrentLeafID,
		count:   len(s.Messages),
		version: s.version,
		ids:     ids,
	}
	return s.lookup(ids)
}

func (s *ChatSession) lookup(ids []MessageID) Conversation {
	ret := make(Conversation, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.Messages[id]; ok {
			ret = append(ret, m)
		}
	}
	return ret
}

// Roots returns all messages without a parent, oldest first.
func (s *ChatSession) Roots() []MessageID {
	var ret []MessageID
	for _, id := range s.orderedIDs() {
		if s.Messages[id].ParentID == NullID {
			ret = append(ret, id)
		}
	}
	return ret
}

// Siblings returns the ids sharing id's parent, including id itself. For a
// root these are the other roots.
func (s *ChatSession) Siblings(id MessageID) []MessageID {
	m, ok := s.Messages[id]
	if !ok {
		return nil
	}
	if parent, ok := s.Messages[m.ParentID]; ok {
		return append([]MessageID(nil), parent.ChildrenIDs...)
	}
	return s.Roots()
}

// BranchPosition returns the zero-based index of id among its siblings and
// the number of siblings.
func (s *ChatSession) BranchPosition(id MessageID) (int, int) {
	siblings := s.Siblings(id)
	return indexOf(siblings, id), len(siblings)
}

// Validate checks the structural invariants of the tree.
func (s *ChatSession) Validate() error {
	var problems []string

	for id, m := range s.Messages {
		if m.ID != id {
			problems = append(problems, fmt.Sprintf("message stored under %s has id %s", id, m.ID))
		}
		if m.ParentID != NullID {
			parent, ok := s.Messages[m.ParentID]
			if !ok {
				problems = append(problems, fmt.Sprintf("message %s references missing parent %s", id, m.ParentID))
			} else if indexOf(parent.ChildrenIDs, id) < 0 {
				problems = append(problems, fmt.Sprintf("parent %s does not list child %s", m.ParentID, id))
			}
		}
		for _, childID := range m.ChildrenIDs {
			child, ok := s.Messages[childID]
			if !ok {
				problems = append(problems, fmt.Sprintf("message %s lists missing child %s", id, childID))
			} else if child.ParentID != id {
				problems = append(problems, fmt.Sprintf("child %s of %s has parent %s", childID, id, child.ParentID))
			}
		}

		cur := m.ParentID
		steps := 0
		for cur != NullID && steps <= len(s.Messages) {
			if cur == id {
				problems = append(problems, fmt.Sprintf("message %s is its own ancestor", id))
				break
			}
			p, ok := s.Messages[cur]
			if !ok {
				break
			}
			cur = p.ParentID
			steps++
		}
		if steps > len(s.Messages) {
			problems = append(problems, fmt.Sprintf("ancestry of %s does not terminate", id))
		}
	}

	if s.CurrentLeafID != NullID {
		if _, ok := s.Messages[s.CurrentLeafID]; !ok {
			problems = append(problems, fmt.Sprintf("current leaf %s is not in the session", s.CurrentLeafID))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.Errorf("invalid session %s: %s", s.ID, strings.Join(problems, "; "))
}

func sortByTimestamp(messages []*Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
}

func indexOf(ids []MessageID, id MessageID) int {
	for i, c := range ids {
		if c == id {
			return i
		}
	}
	return -1
}

func removeID(ids []MessageID, id MessageID) []MessageID {
	return filterIDs(ids, func(c MessageID) bool { return c != id })
}

func filterIDs(ids []MessageID, keep func(MessageID) bool) []MessageID {
	ret := make([]MessageID, 0, len(ids))
	for _, id := range ids {
		if keep(id) {
			ret = append(ret, id)
		}
	}
	return ret
}
