// Copyright (C) 2025 The lanline Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, first.DeviceID)
	assert.NotEmpty(t, first.DeviceName)
	assert.NotEmpty(t, first.Platform)

	second, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadCreatesStateDir(t *testing.T) {
	dir := t.TempDir() + "/nested/state"
	id, err := Load(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, id.DeviceID)
}

func TestNowUnixIsPositive(t *testing.T) {
	assert.Greater(t, NowUnix(), int64(0))
}
