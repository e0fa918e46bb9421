// Package membership implements group roster transitions. Functions here are
// pure: they validate a transition against a Roster and mutate it in memory.
// The storage layer loads the roster, applies a transition and persists the
// result inside one transaction.
package membership

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"piksel/internal/apperr"
	"piksel/internal/models"
)

// Roster is a conversation together with its participants ordered by join
// time.
type Roster struct {
	Conversation models.Conversation
	Members      []models.Participant
}

// Change is a membership event that gets recorded as a system message.
type Change struct {
	Event   models.SystemEvent
	ActorID string
	Body    string
}

type Outcome struct {
	Added     []string
	Removed   []string
	Changes   []Change
	Dissolved bool
	// Updated is false for transitions that turned out to be no-ops.
	Updated bool
}

// SuccessorPolicy picks the next owner among the remaining members. It is
// only called with a non-empty slice.
type SuccessorPolicy func(candidates []models.Participant) models.Participant

// EarliestJoined promotes the longest-standing member, ties broken by user id.
func EarliestJoined(candidates []models.Participant) models.Participant {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.JoinedAt.Before(best.JoinedAt) || (c.JoinedAt.Equal(best.JoinedAt) && c.UserID < best.UserID) {
			best = c
		}
	}
	return best
}

// RandomMember promotes a uniformly random member.
func RandomMember(candidates []models.Participant) models.Participant {
	return candidates[rand.IntN(len(candidates))]
}

func PolicyByName(name string) (SuccessorPolicy, error) {
	switch name {
	case "", "earliest_joined":
		return EarliestJoined, nil
	case "random":
		return RandomMember, nil
	}
	return nil, fmt.Errorf("unknown owner succession policy %q", name)
}

// NewGroup builds the roster of a freshly created group. memberIDs may
// contain the owner and duplicates; both are ignored.
func NewGroup(id, ownerID string, memberIDs []string, name, avatarURL string, mode models.EncryptionMode, now time.Time) (*Roster, Outcome, error) {
	members := uniqueExcept(memberIDs, ownerID)
	if 1+len(members) > models.MaxGroupParticipants {
		return nil, Outcome{}, apperr.MemberLimit(models.MaxGroupParticipants)
	}

	r := &Roster{
		Conversation: models.Conversation{
			ID:             id,
			Kind:           models.KindGroup,
			EncryptionMode: mode,
			SendPolicy:     models.SendPolicyAllMembers,
			OwnerID:        ownerID,
			Name:           name,
			AvatarURL:      avatarURL,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	r.Members = append(r.Members, models.Participant{
		ConversationID: id,
		UserID:         ownerID,
		Role:           models.RoleOwner,
		CanSend:        true,
		JoinedAt:       now,
	})
	for _, uid := range members {
		r.Members = append(r.Members, r.newMember(uid, now))
	}

	return r, Outcome{
		Added:   append([]string{ownerID}, members...),
		Updated: true,
		Changes: []Change{{
			Event:   models.SystemEventCreated,
			ActorID: ownerID,
			Body:    "Group created",
		}},
	}, nil
}

func (r *Roster) Count() int {
	return len(r.Members)
}

func (r *Roster) Member(userID string) (*models.Participant, bool) {
	for i := range r.Members {
		if r.Members[i].UserID == userID {
			return &r.Members[i], true
		}
	}
	return nil, false
}

func (r *Roster) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// CanSend reports whether userID may post into the conversation.
func (r *Roster) CanSend(userID string) bool {
	return CanSend(&r.Conversation, func() (*models.Participant, bool) { return r.Member(userID) })
}

// CanSend applies the send policy to a single participant. lookup returns
// the participant row, if any.
func CanSend(conv *models.Conversation, lookup func() (*models.Participant, bool)) bool {
	p, ok := lookup()
	if !ok {
		return false
	}
	if conv.Kind != models.KindGroup {
		return true
	}
	return p.Role == models.RoleOwner || p.CanSend
}

// Add appends new members. Only the owner may add members.
func (r *Roster) Add(actorID string, userIDs []string, names map[string]string, now time.Time) (Outcome, error) {
	if err := r.requireOwner(actorID, "add members"); err != nil {
		return Outcome{}, err
	}

	var added []string
	for _, uid := range uniqueExcept(userIDs, actorID) {
		if _, ok := r.Member(uid); !ok {
			added = append(added, uid)
		}
	}
	if len(added) == 0 {
		return Outcome{}, nil
	}
	if r.Count()+len(added) > models.MaxGroupParticipants {
		return Outcome{}, apperr.MemberLimit(models.MaxGroupParticipants)
	}

	out := Outcome{Added: added, Updated: true}
	for _, uid := range added {
		m := r.newMember(uid, now)
		m.DisplayName = names[uid]
		r.Members = append(r.Members, m)
		out.Changes = append(out.Changes, Change{
			Event:   models.SystemEventJoin,
			ActorID: uid,
			Body:    fmt.Sprintf("%s joined the group", displayName(uid, names[uid])),
		})
	}
	r.Conversation.UpdatedAt = now
	return out, nil
}

// Leave removes userID. An owner leaving a non-empty group hands ownership
// to the member chosen by successor; the last member leaving dissolves the
// group.
func (r *Roster) Leave(userID, actorName string, successor SuccessorPolicy, now time.Time) (Outcome, error) {
	p, ok := r.Member(userID)
	if !ok {
		return Outcome{}, apperr.Forbidden("user is not a member of this group")
	}
	wasOwner := p.Role == models.RoleOwner
	r.remove(userID)

	out := Outcome{Removed: []string{userID}, Updated: true}
	if r.Count() == 0 {
		out.Dissolved = true
		r.Conversation.OwnerID = ""
		r.Conversation.DissolvedAt = &now
		r.Conversation.UpdatedAt = now
		return out, nil
	}

	out.Changes = append(out.Changes, Change{
		Event:   models.SystemEventLeave,
		ActorID: userID,
		Body:    fmt.Sprintf("%s left the group", displayName(userID, actorName)),
	})

	if wasOwner {
		if successor == nil {
			successor = EarliestJoined
		}
		next := successor(r.Members)
		np, _ := r.Member(next.UserID)
		np.Role = models.RoleOwner
		np.CanSend = true
		r.Conversation.OwnerID = np.UserID
		out.Changes = append(out.Changes, Change{
			Event:   models.SystemEventOwnerTransfer,
			ActorID: np.UserID,
			Body:    fmt.Sprintf("%s is now the owner", displayName(np.UserID, np.DisplayName)),
		})
	}
	r.Conversation.UpdatedAt = now
	return out, nil
}

// Kick removes targetID on behalf of the owner.
func (r *Roster) Kick(actorID, targetID, targetName string, now time.Time) (Outcome, error) {
	if err := r.requireOwner(actorID, "remove members"); err != nil {
		return Outcome{}, err
	}
	if actorID == targetID {
		return Outcome{}, apperr.Validation("use leave to remove yourself")
	}
	target, ok := r.Member(targetID)
	if !ok {
		return Outcome{}, apperr.NotFound("user is not a member of this group")
	}
	if target.Role == models.RoleOwner {
		return Outcome{}, apperr.Forbidden("the owner cannot be removed")
	}

	r.remove(targetID)
	r.Conversation.UpdatedAt = now
	return Outcome{
		Removed: []string{targetID},
		Updated: true,
		Changes: []Change{{
			Event:   models.SystemEventKick,
			ActorID: targetID,
			Body:    fmt.Sprintf("%s was removed from the group", displayName(targetID, targetName)),
		}},
	}, nil
}

type Settings struct {
	Name             *string
	AvatarURL        *string
	SendPolicy       models.SendPolicy
	AllowedSenderIDs []string
}

// UpdateSettings changes group metadata and the send policy.
func (r *Roster) UpdateSettings(actorID string, s Settings, now time.Time) (Outcome, error) {
	if err := r.requireOwner(actorID, "change group settings"); err != nil {
		return Outcome{}, err
	}
	if s.Name != nil {
		r.Conversation.Name = *s.Name
	}
	if s.AvatarURL != nil {
		r.Conversation.AvatarURL = *s.AvatarURL
	}

	switch {
	case s.SendPolicy != "":
		r.Conversation.SendPolicy = s.SendPolicy
		r.applyPolicy(s.AllowedSenderIDs)
	case s.AllowedSenderIDs != nil && r.Conversation.SendPolicy == models.SendPolicySelectedMembers:
		r.applyPolicy(s.AllowedSenderIDs)
	}

	r.Conversation.UpdatedAt = now
	return Outcome{Updated: true}, nil
}

func (r *Roster) applyPolicy(allowed []string) {
	allow := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		allow[id] = struct{}{}
	}
	for i := range r.Members {
		m := &r.Members[i]
		switch {
		case m.Role == models.RoleOwner:
			m.CanSend = true
		case r.Conversation.SendPolicy == models.SendPolicyAllMembers:
			m.CanSend = true
		case r.Conversation.SendPolicy == models.SendPolicySelectedMembers:
			_, m.CanSend = allow[m.UserID]
		default:
			m.CanSend = false
		}
	}
}

func (r *Roster) requireOwner(actorID, action string) error {
	p, ok := r.Member(actorID)
	if !ok {
		return apperr.Forbidden("user is not a member of this group")
	}
	if p.Role != models.RoleOwner {
		return apperr.Forbidden("only the owner can %s", action)
	}
	return nil
}

func (r *Roster) newMember(userID string, now time.Time) models.Participant {
	return models.Participant{
		ConversationID: r.Conversation.ID,
		UserID:         userID,
		Role:           models.RoleMember,
		CanSend:        r.Conversation.SendPolicy == models.SendPolicyAllMembers,
		JoinedAt:       now,
	}
}

func (r *Roster) remove(userID string) {
	kept := r.Members[:0]
	for _, m := range r.Members {
		if m.UserID != userID {
			kept = append(kept, m)
		}
	}
	r.Members = kept
}

// SortMembers orders members by join time, then user id.
func SortMembers(members []models.Participant) {
	sort.SliceStable(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].UserID < members[j].UserID
	})
}

func uniqueExcept(ids []string, except string) []string {
	seen := map[string]struct{}{except: {}}
	var out []string
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func displayName(userID, name string) string {
	if name != "" {
		return name
	}
	return userID
}
