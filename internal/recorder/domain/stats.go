package domain

import (
	"sort"
	"time"
)

// SummaryRankLimit is how many ranking entries a finalized session summary keeps.
const SummaryRankLimit = 5

// GiftTally ranks one user+gift pairing by total units sent.
type GiftTally struct {
	UserName string `json:"user_name"`
	GiftName string `json:"gift_name"`
	Count    int64  `json:"count"`
}

// UserTally ranks one user by total contributed value.
type UserTally struct {
	UserName string  `json:"user_name"`
	Value    float64 `json:"value"`
}

// Summary is the computed end-of-session snapshot persisted alongside the
// session row.
type Summary struct {
	TopGifts    []GiftTally `json:"top_gifts"`
	TopUsers    []UserTally `json:"top_users"`
	UniqueUsers []string    `json:"unique_users"`
}

// SessionStats accumulates the gift log and running totals for one active
// session. It is not safe for concurrent use; the recorder service serializes
// all mutation.
type SessionStats struct {
	SessionID int64
	RoomID    int64
	StartTime time.Time

	// Gifts is the append-only event log backing the ranking views.
	Gifts []GiftEvent

	TotalGiftCount int64
	TotalGiftValue float64
	GiftUserCount  int
}

// AddGift appends one event and updates the running totals.
func (s *SessionStats) AddGift(event GiftEvent) {
	s.Gifts = append(s.Gifts, event)
	s.TotalGiftCount += event.GiftCount
	s.TotalGiftValue += event.GiftValue * float64(event.GiftCount)
}

// TopGifts groups the log by user+gift and returns up to limit groups ordered
// by summed unit count, descending. Ties keep first-seen group order.
func (s *SessionStats) TopGifts(limit int) []GiftTally {
	type key struct {
		userName string
		giftName string
	}
	totals := make(map[key]int64)
	var order []key
	for _, gift := range s.Gifts {
		k := key{userName: gift.UserName, giftName: gift.GiftName}
		if _, seen := totals[k]; !seen {
			order = append(order, k)
		}
		totals[k] += gift.GiftCount
	}

	tallies := make([]GiftTally, 0, len(order))
	for _, k := range order {
		tallies = append(tallies, GiftTally{UserName: k.userName, GiftName: k.giftName, Count: totals[k]})
	}
	sort.SliceStable(tallies, func(i, j int) bool {
		return tallies[i].Count > tallies[j].Count
	})
	if limit >= 0 && len(tallies) > limit {
		tallies = tallies[:limit]
	}
	return tallies
}

// TopUsers groups the log by user and returns up to limit users ordered by
// summed contributed value, descending. Ties keep first-seen user order.
func (s *SessionStats) TopUsers(limit int) []UserTally {
	totals := make(map[string]float64)
	var order []string
	for _, gift := range s.Gifts {
		if _, seen := totals[gift.UserName]; !seen {
			order = append(order, gift.UserName)
		}
		totals[gift.UserName] += gift.GiftValue * float64(gift.GiftCount)
	}

	tallies := make([]UserTally, 0, len(order))
	for _, name := range order {
		tallies = append(tallies, UserTally{UserName: name, Value: totals[name]})
	}
	sort.SliceStable(tallies, func(i, j int) bool {
		return tallies[i].Value > tallies[j].Value
	})
	if limit >= 0 && len(tallies) > limit {
		tallies = tallies[:limit]
	}
	return tallies
}

// UniqueUsers returns the distinct user names in the log, first-seen order.
func (s *SessionStats) UniqueUsers() []string {
	seen := make(map[string]struct{}, len(s.Gifts))
	var users []string
	for _, gift := range s.Gifts {
		if _, ok := seen[gift.UserName]; ok {
			continue
		}
		seen[gift.UserName] = struct{}{}
		users = append(users, gift.UserName)
	}
	return users
}

// BuildSummary computes the end-of-session snapshot from the current log.
func (s *SessionStats) BuildSummary() Summary {
	return Summary{
		TopGifts:    s.TopGifts(SummaryRankLimit),
		TopUsers:    s.TopUsers(SummaryRankLimit),
		UniqueUsers: s.UniqueUsers(),
	}
}
