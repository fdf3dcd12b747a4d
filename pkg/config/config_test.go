/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load() error {
	path := "./test.yaml"
	if err := LoadConfig(path); err != nil {
		return err
	}
	return nil
}

func TestConfig(t *testing.T) {
	err := load()
	require.NoError(t, err)

	assert.Equal(t, 9090, GetServerPort())
	assert.Equal(t, "debug", GetServerMode())
	assert.True(t, IsTokenRequired())

	assert.True(t, IsDBEnable())
	assert.Equal(t, "localhost", GetDBHost())
	assert.Equal(t, 5432, GetDBPort())
	assert.Equal(t, "fathom", GetDBName())
	assert.Equal(t, "disable", GetDBSslMode())
	assert.Equal(t, 20, GetDBRequestTimeoutSecond())

	assert.Equal(t, 4, GetQueueShards())
	assert.Equal(t, time.Minute, GetQueueVisibilityTimeout())
	assert.Equal(t, 2, GetExecutorWorkerConcurrent())
	assert.Equal(t, 1500*time.Millisecond, GetServiceClientTimeout())
	assert.Equal(t, 2, GetChunkPartitionLimit())
	assert.Equal(t, int64(4194304), GetSmallPartitionBytes())
	assert.Equal(t, 24, GetEventRetentionHours())
	assert.Equal(t, 5*time.Second, GetScheduleTickInterval())
}

func TestConfigDefaults(t *testing.T) {
	err := load()
	require.NoError(t, err)

	// keys absent from test.yaml fall back to defaults
	assert.Equal(t, 100, GetDBMaxOpenConns())
	assert.Equal(t, int64(256<<20), GetTargetPartitionBytes())
	assert.Equal(t, 16, GetMaxPartitionsPerGroup())
	assert.Equal(t, 720, GetAuditTTLHours())
	assert.Equal(t, 5*time.Minute, GetManifestCacheTTL())
	assert.Equal(t, time.Minute, GetWorkflowCacheTTL())
	assert.Equal(t, 5, GetTriggerFailureThreshold())
	assert.Equal(t, 50, GetScheduleMaxCatchUp())
	assert.Equal(t, time.Minute, GetAssetCooldownBase())
	assert.True(t, IsMetricsEnable())
	assert.True(t, IsStreamingEnabled())
}

func TestGetOperatorTokens_Inline(t *testing.T) {
	err := load()
	require.NoError(t, err)

	tokens := GetOperatorTokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, "tok-admin", tokens[0].Token)
	assert.Contains(t, tokens[0].Scopes, "workflows:run")
	assert.Equal(t, "tok-reader", tokens[1].Token)
	assert.Equal(t, []string{"workflows:read"}, tokens[1].Scopes)
}

func TestGetOperatorTokens_File(t *testing.T) {
	err := load()
	require.NoError(t, err)

	dir := t.TempDir()
	content := "# operator tokens\ntok-a=workflows:read,workflows:write\ntok-b\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "operators"), []byte(content), 0o600))

	SetValue("auth.operators", nil)
	SetValue("auth.secret_path", dir)
	defer SetValue("auth.secret_path", "")

	tokens := GetOperatorTokens()
	require.Len(t, tokens, 2)
	assert.Equal(t, "tok-a", tokens[0].Token)
	assert.Equal(t, []string{"workflows:read", "workflows:write"}, tokens[0].Scopes)
	assert.Equal(t, "tok-b", tokens[1].Token)
	assert.Empty(t, tokens[1].Scopes)
}
