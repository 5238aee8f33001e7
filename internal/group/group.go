// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package group implements the pure, side-effect-free rules of group
// membership and master election (spec §8). internal/manager owns the
// mutable group table and calls these functions to decide who relays.
package group

import (
	"slices"
	"sort"
)

// Group mirrors the wire shape of a group_master/group_invite payload
// plus the bookkeeping fields the manager persists alongside it.
type Group struct {
	GroupID  string
	Name     string
	Members  []string
	MasterID string
	Epoch    int64
}

// ActiveSet returns the members of g currently reachable: members who
// are either connected peers or the local device itself (always
// "connected" to itself). The invariant master_id ∈ members holds by
// construction of Group, so ActiveSet never needs to special-case it.
func ActiveSet(g Group, selfID string, connectedPeers map[string]struct{}) []string {
	var active []string
	for _, m := range g.Members {
		if m == selfID {
			active = append(active, m)
			continue
		}
		if _, ok := connectedPeers[m]; ok {
			active = append(active, m)
		}
	}
	return active
}

// ElectMaster deterministically picks the master from a non-empty
// active set: the lexicographically smallest device_id. Every device
// computing ElectMaster over the same active set converges on the same
// answer without any coordination round (spec §8 scenario 4).
func ElectMaster(active []string) string {
	if len(active) == 0 {
		return ""
	}
	sorted := append([]string(nil), active...)
	sort.Strings(sorted)
	return sorted[0]
}

// NeedsReElection reports whether g's current master is absent from the
// active set, the trigger condition for calling ElectMaster again (spec
// §8: master re-election happens lazily, on send, not on a timer).
func NeedsReElection(g Group, active []string) bool {
	for _, m := range active {
		if m == g.MasterID {
			return false
		}
	}
	return true
}

// Converge applies an incoming group_master announcement to the locally
// known group state, keeping whichever epoch is larger (epoch is a
// monotone non-decreasing tiebreaker timestamp, spec §8). At an equal
// epoch the incoming snapshot is adopted unless it names the same master
// and the same members, so a membership change announced by the master
// is applied. It returns the resulting Group and whether the local state
// actually changed.
func Converge(local Group, incoming Group) (Group, bool) {
	if local.GroupID == "" {
		return incoming, true
	}
	if incoming.Epoch < local.Epoch {
		return local, false
	}
	if incoming.Epoch == local.Epoch && incoming.MasterID == local.MasterID && slices.Equal(incoming.Members, local.Members) {
		return local, false
	}
	return incoming, true
}
