/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailableMigrationsSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"patch002_b.sql", "patch001_a.sql", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o750))

	names, err := availableMigrations(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"patch001_a.sql", "patch002_b.sql"}, names)
}

func TestPendingMigrationsSkipsApplied(t *testing.T) {
	available := []string{"patch001_a.sql", "patch002_b.sql", "patch003_c.sql"}
	applied := map[string]bool{"patch001_a": true, "patch003_c": true}
	assert.Equal(t, []string{"patch002_b.sql"}, pendingMigrations(available, applied))
}
