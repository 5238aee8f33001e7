// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanline/core/internal/group"
)

func TestCreateAndGetGroup(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	id, err := fs.CreateGroup("friends", []string{"dev-b", "dev-a", "dev-a"}, "dev-a")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	g, ok := fs.GetGroup(id)
	require.True(t, ok)
	assert.Equal(t, []string{"dev-a", "dev-b"}, g.Members)
	assert.Equal(t, "dev-a", g.MasterID)
}

func TestUpdateGroupPersists(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	id, err := fs.CreateGroup("friends", []string{"dev-a"}, "dev-a")
	require.NoError(t, err)

	require.NoError(t, fs.UpdateGroup(id, group.Group{
		Name:     "friends",
		Members:  []string{"dev-a", "dev-b"},
		MasterID: "dev-b",
		Epoch:    99,
	}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	g, ok := reopened.GetGroup(id)
	require.True(t, ok)
	assert.Equal(t, "dev-b", g.MasterID)
	assert.EqualValues(t, 99, g.Epoch)
}

func TestGetGroupsReturnsSnapshot(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = fs.CreateGroup("a", []string{"dev-a"}, "dev-a")
	require.NoError(t, err)
	_, err = fs.CreateGroup("b", []string{"dev-b"}, "dev-b")
	require.NoError(t, err)

	assert.Len(t, fs.GetGroups(), 2)
}

func TestAppendAndReadDirectMessages(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, fs.AppendDirect("dev-b", Message{
			DeviceID:  "dev-a",
			MessageID: "m",
			Text:      "hi",
			Timestamp: int64(i),
		}))
	}

	all, err := fs.ReadDirect("dev-b", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	last2, err := fs.ReadDirect("dev-b", 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.EqualValues(t, 3, last2[0].Timestamp)
	assert.EqualValues(t, 4, last2[1].Timestamp)
}

func TestReadUnknownConversationReturnsEmpty(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	msgs, err := fs.ReadDirect("never-seen", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAppendGroupMessages(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.AppendGroup("g1", Message{DeviceID: "dev-a", MessageID: "m1", Text: "hello group"}))

	msgs, err := fs.ReadGroup("g1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello group", msgs[0].Text)
}
