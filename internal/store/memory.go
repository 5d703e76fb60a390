package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the dev fallback when no database is configured, and the
// substrate the unit tests run on. All maps are guarded by one mutex; the
// dataset is expected to stay small in this mode.
type MemoryStore struct {
	mu sync.Mutex

	nextUserID    int64
	nextConvID    int64
	nextMessageID int64

	users         map[int64]*User
	conversations map[int64]*Conversation
	participants  map[int64][]int64 // conversationID -> member user ids
	messages      map[int64]*Message
	reads         map[int64]map[int64]struct{} // messageID -> reader ids
	blocks        map[[2]int64]struct{}        // {blocker, blocked}
	config        map[string]string
}

// NewMemoryStore constructs an empty in-memory Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]*User),
		conversations: make(map[int64]*Conversation),
		participants:  make(map[int64][]int64),
		messages:      make(map[int64]*Message),
		reads:         make(map[int64]map[int64]struct{}),
		blocks:        make(map[[2]int64]struct{}),
		config:        make(map[string]string),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// ---- users ----

func (s *MemoryStore) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool, now time.Time) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return User{}, ErrUsernameExists
		}
	}

	s.nextUserID++
	u := &User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		IsAdmin:      isAdmin,
		CreatedAt:    now,
		LastActiveTS: now,
	}
	s.users[u.ID] = u
	return *u, nil
}

func (s *MemoryStore) UserByID(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *MemoryStore) UserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return *u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) ListPeers(ctx context.Context, userID int64) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.ID == userID || u.IsAdmin {
			continue
		}
		if s.blockedLocked(u.ID, userID) {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out, nil
}

func (s *MemoryStore) ListUsersAdmin(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		if u.IsAdmin {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out, nil
}

func (s *MemoryStore) AdminIDs(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int64
	for _, u := range s.users {
		if u.IsAdmin {
			out = append(out, u.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok || u.IsAdmin {
		return false, nil
	}
	delete(s.users, id)
	return true, nil
}

func (s *MemoryStore) TouchLastActive(ctx context.Context, userID int64, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	if ts.After(u.LastActiveTS) {
		u.LastActiveTS = ts
	}
	return nil
}

func (s *MemoryStore) CollectStats(ctx context.Context, activeSince time.Time) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, u := range s.users {
		if u.IsAdmin {
			continue
		}
		st.UserCount++
		if u.LastActiveTS.After(activeSince) {
			st.ActiveUsers++
		}
	}
	st.MessageCount = int64(len(s.messages))
	st.ConversationCount = int64(len(s.conversations))
	return st, nil
}

// ---- conversations ----

func (s *MemoryStore) CreateConversation(ctx context.Context, userID, partnerID int64, now time.Time) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.conversationForPairLocked(userID, partnerID); ok {
		return id, true, nil
	}

	s.nextConvID++
	s.conversations[s.nextConvID] = &Conversation{
		ID:             s.nextConvID,
		CreatorID:      userID,
		LastActivityTS: now,
	}
	s.participants[s.nextConvID] = []int64{userID, partnerID}
	return s.nextConvID, false, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ConversationSummary
	for convID, members := range s.participants {
		partnerID, ok := otherMember(members, userID)
		if !ok {
			continue
		}
		// A conversation disappears from the list while the partner has the
		// requester blocked, mirroring the visibility rule for the peer list.
		if _, blocked := s.blocks[[2]int64{partnerID, userID}]; blocked {
			continue
		}

		conv := s.conversations[convID]
		partner, pok := s.users[partnerID]
		if conv == nil || !pok {
			continue
		}

		sum := ConversationSummary{
			ID:                  convID,
			LastActivityTS:      conv.LastActivityTS,
			PartnerID:           partnerID,
			PartnerUsername:     partner.Username,
			PartnerLastActiveTS: partner.LastActiveTS,
		}

		var latest *Message
		for _, m := range s.messages {
			if m.ConversationID != convID {
				continue
			}
			if latest == nil || messageAfter(m, latest) {
				latest = m
			}
			if m.SenderID != userID {
				if _, read := s.reads[m.ID][userID]; !read {
					sum.UnreadCount++
				}
			}
		}
		if latest != nil {
			ts := latest.Timestamp
			sum.LastMessageContent = latest.Content
			sum.LastMessageTS = &ts
			if sender, ok := s.users[latest.SenderID]; ok {
				sum.LastMessageSender = sender.Username
			}
		}

		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityTS.After(out[j].LastActivityTS)
	})
	return out, nil
}

func (s *MemoryStore) Participants(ctx context.Context, conversationID int64, excludeUserID *int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.participants[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]int64, 0, len(members))
	for _, id := range members {
		if excludeUserID != nil && id == *excludeUserID {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) ConversationPartners(ctx context.Context, userID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{})
	for _, members := range s.participants {
		if partnerID, ok := otherMember(members, userID); ok {
			seen[partnerID] = struct{}{}
		}
	}

	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemoryStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.participants[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// ---- messages ----

func (s *MemoryStore) CreateMessage(ctx context.Context, in CreateMessageInput) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[in.ConversationID]
	if !ok {
		return Message{}, ErrNotFound
	}

	s.nextMessageID++
	m := &Message{
		ID:               s.nextMessageID,
		ConversationID:   in.ConversationID,
		SenderID:         in.SenderID,
		Content:          in.Content,
		Timestamp:        now,
		ReplyToMessageID: in.ReplyToMessageID,
	}
	s.messages[m.ID] = m
	if now.After(conv.LastActivityTS) {
		conv.LastActivityTS = now
	}
	return s.resolvedLocked(m), nil
}

func (s *MemoryStore) MessageByID(ctx context.Context, id int64) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return s.resolvedLocked(m), nil
}

func (s *MemoryStore) EditMessage(ctx context.Context, id int64, newContent string, editedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Content = newContent
	m.IsEdited = true
	ts := editedAt
	m.EditedAt = &ts
	return nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return false, nil
	}
	delete(s.messages, id)
	delete(s.reads, id)
	return true, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Message
	for _, m := range s.messages {
		if m.ConversationID != in.ConversationID {
			continue
		}
		if in.Before != nil && !m.Timestamp.Before(*in.Before) {
			continue
		}
		if in.Since != nil && !m.Timestamp.After(*in.Since) {
			continue
		}
		all = append(all, m)
	}

	sort.Slice(all, func(i, j int) bool { return messageAfter(all[j], all[i]) })

	// Windows anchored at the newest end (initial load, before_ts paging)
	// keep the newest Limit rows; a since query returns everything newer.
	if in.Limit > 0 && in.Since == nil && len(all) > in.Limit {
		all = all[len(all)-in.Limit:]
	}

	out := make([]Message, 0, len(all))
	for _, m := range all {
		out = append(out, s.resolvedLocked(m))
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, messageIDs []int64, readerID int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []Message
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.SenderID == readerID {
			continue
		}
		readers := s.reads[id]
		if readers == nil {
			readers = make(map[int64]struct{})
			s.reads[id] = readers
		}
		if _, done := readers[readerID]; done {
			continue
		}
		readers[readerID] = struct{}{}
		fresh = append(fresh, s.resolvedLocked(m))
	}
	return fresh, nil
}

// ---- blocks ----

func (s *MemoryStore) Block(ctx context.Context, blockerID, blockedID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[[2]int64{blockerID, blockedID}] = struct{}{}
	return nil
}

func (s *MemoryStore) Unblock(ctx context.Context, blockerID, blockedID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blocks, [2]int64{blockerID, blockedID})
	return nil
}

func (s *MemoryStore) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.blockedLocked(a, b), nil
}

func (s *MemoryStore) ListBlocked(ctx context.Context, blockerID int64) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []User
	for key := range s.blocks {
		if key[0] != blockerID {
			continue
		}
		if u, ok := s.users[key[1]]; ok {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Username) < strings.ToLower(out[j].Username)
	})
	return out, nil
}

// ---- config ----

func (s *MemoryStore) ConfigValue(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.config[key], nil
}

func (s *MemoryStore) SetConfigValue(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.config[key] = value
	return nil
}

// ---- helpers ----

func (s *MemoryStore) blockedLocked(a, b int64) bool {
	if _, ok := s.blocks[[2]int64{a, b}]; ok {
		return true
	}
	_, ok := s.blocks[[2]int64{b, a}]
	return ok
}

func (s *MemoryStore) conversationForPairLocked(a, b int64) (int64, bool) {
	for convID, members := range s.participants {
		if len(members) != 2 {
			continue
		}
		if (members[0] == a && members[1] == b) || (members[0] == b && members[1] == a) {
			return convID, true
		}
	}
	return 0, false
}

// resolvedLocked copies m and resolves its reply snippet, if any.
func (s *MemoryStore) resolvedLocked(m *Message) Message {
	out := *m
	if sender, ok := s.users[m.SenderID]; ok {
		out.SenderUsername = sender.Username
	}
	if m.ReplyToMessageID != nil {
		if target, ok := s.messages[*m.ReplyToMessageID]; ok {
			out.ReplySnippet = target.Content
			if ts, ok := s.users[target.SenderID]; ok {
				out.ReplySenderName = ts.Username
			}
		}
	}
	return out
}

func otherMember(members []int64, userID int64) (int64, bool) {
	if len(members) != 2 {
		return 0, false
	}
	switch userID {
	case members[0]:
		return members[1], true
	case members[1]:
		return members[0], true
	default:
		return 0, false
	}
}

// messageAfter reports whether a orders strictly after b by (timestamp, id).
func messageAfter(a, b *Message) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID > b.ID
	}
	return a.Timestamp.After(b.Timestamp)
}
