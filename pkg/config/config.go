/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// OperatorToken grants an operator bearer token a set of scopes.
type OperatorToken struct {
	Token  string   `json:"token" yaml:"token"`
	Scopes []string `json:"scopes" yaml:"scopes"`
}

// SetValue sets a configuration value for the specified key.
func SetValue(key string, value interface{}) {
	viper.Set(key, value)
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(path string) error {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	return viper.ReadInConfig()
}

func getString(key, defaultValue string) string {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetString(key)
}

func getBool(key string, defaultValue bool) bool {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetBool(key)
}

func getInt(key string, defaultValue int) int {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt(key)
}

func getInt64(key string, defaultValue int64) int64 {
	if !viper.IsSet(key) {
		return defaultValue
	}
	return viper.GetInt64(key)
}

func getFromFile(configPath, item string) string {
	path := getString(configPath, "")
	data, err := os.ReadFile(filepath.Join(path, item))
	if err != nil {
		return ""
	}
	key := string(data)
	return strings.TrimRight(key, "\r\n")
}

// GetServerPort returns the API server port.
func GetServerPort() int {
	return getInt(serverPort, 8080)
}

// GetServerMode returns the gin mode (debug, release, test).
func GetServerMode() string {
	return getString(serverMode, "release")
}

// IsTokenRequired returns whether operator tokens are enforced on API routes.
func IsTokenRequired() bool {
	return getBool(authTokenRequired, true)
}

// GetOperatorTokens returns the configured operator tokens with their scopes.
// Tokens may live inline under auth.operators or in a mounted secret file.
func GetOperatorTokens() []OperatorToken {
	var tokens []OperatorToken
	if err := viper.UnmarshalKey(authOperators, &tokens); err == nil && len(tokens) > 0 {
		return tokens
	}
	raw := getFromFile(authSecretPath, "operators")
	if raw == "" {
		return nil
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		token := OperatorToken{Token: strings.TrimSpace(parts[0])}
		if len(parts) == 2 {
			for _, scope := range strings.Split(parts[1], ",") {
				if scope = strings.TrimSpace(scope); scope != "" {
					token.Scopes = append(token.Scopes, scope)
				}
			}
		}
		tokens = append(tokens, token)
	}
	return tokens
}

// IsDBEnable returns whether the database is enabled.
func IsDBEnable() bool {
	return getBool(dbEnable, true)
}

// GetDBHost returns the database host address.
func GetDBHost() string {
	if host := getString(dbHost, ""); host != "" {
		return host
	}
	return getFromFile(dbSecretPath, "host")
}

// GetDBPort returns the database port number.
func GetDBPort() int {
	if port := getInt(dbPort, 0); port > 0 {
		return port
	}
	data := getFromFile(dbSecretPath, "port")
	n, err := strconv.Atoi(data)
	if err != nil {
		return 0
	}
	return n
}

// GetDBName returns the database name.
func GetDBName() string {
	if name := getString(dbName, ""); name != "" {
		return name
	}
	return getFromFile(dbSecretPath, "dbname")
}

// GetDBUser returns the database username.
func GetDBUser() string {
	if user := getString(dbUser, ""); user != "" {
		return user
	}
	return getFromFile(dbSecretPath, "user")
}

// GetDBPassword returns the database password.
func GetDBPassword() string {
	if passwd := getString(dbPassword, ""); passwd != "" {
		return passwd
	}
	return getFromFile(dbSecretPath, "password")
}

// GetDBSslMode returns the database SSL mode.
func GetDBSslMode() string {
	return getString(dbSslMode, "require")
}

// GetDBMaxOpenConns returns the maximum number of open database connections.
func GetDBMaxOpenConns() int {
	return getInt(dbMaxOpenConns, 100)
}

// GetDBMaxIdleConns returns the maximum number of idle database connections.
func GetDBMaxIdleConns() int {
	return getInt(dbMaxIdleConns, 10)
}

// GetDBMaxLifetimeSecond returns the maximum lifetime of database connections in seconds.
func GetDBMaxLifetimeSecond() int {
	return getInt(dbMaxLifetime, 600)
}

// GetDBMaxIdleTimeSecond returns the maximum idle time of database connections in seconds.
func GetDBMaxIdleTimeSecond() int {
	return getInt(dbMaxIdleTimeSecond, 60)
}

// GetDBConnectTimeoutSecond returns the database connection timeout in seconds.
func GetDBConnectTimeoutSecond() int {
	return getInt(dbConnectTimeoutSecond, 10)
}

// GetDBRequestTimeoutSecond returns the database request timeout in seconds.
func GetDBRequestTimeoutSecond() int {
	return getInt(dbRequestTimeoutSecond, 20)
}

// GetQueueShards returns the number of key shards in the embedded queue.
func GetQueueShards() int {
	return getInt(queueShards, 16)
}

// GetQueueVisibilityTimeout returns the visibility timeout applied to claimed
// queue tasks before they are redelivered.
func GetQueueVisibilityTimeout() time.Duration {
	return time.Duration(getInt(queueVisibilityTimeoutSec, 300)) * time.Second
}

// GetQueueMaxDeliveryAttempts returns how many times a queue task is
// redelivered before being parked.
func GetQueueMaxDeliveryAttempts() int {
	return getInt(queueMaxDeliveryAttempts, 5)
}

// GetQueueBufferPerShard returns the per-shard buffered capacity of the
// embedded queue.
func GetQueueBufferPerShard() int {
	return getInt(queueBufferPerShard, 1024)
}

// GetQueueEnqueueRetry returns the retry interval cap for transient enqueue failures.
func GetQueueEnqueueRetry() time.Duration {
	return time.Duration(getInt(queueEnqueueRetrySecond, 2)) * time.Second
}

// GetQueueEnqueueMaxElapsed returns the total time budget for enqueue retries.
func GetQueueEnqueueMaxElapsed() time.Duration {
	return time.Duration(getInt(queueEnqueueMaxElapsedSec, 10)) * time.Second
}

// GetQueueRedeliveryInterval returns how often the queue scans for
// visibility-expired tasks.
func GetQueueRedeliveryInterval() time.Duration {
	return time.Duration(getInt(queueRedeliveryIntervalSec, 10)) * time.Second
}

// GetQueueShutdownDrainTimeout bounds how long Stop waits for in-flight tasks.
func GetQueueShutdownDrainTimeout() time.Duration {
	return time.Duration(getInt(queueShutdownDrainTimeoutMs, 5000)) * time.Millisecond
}

// GetExecutorWorkerConcurrent returns the number of concurrent step workers.
func GetExecutorWorkerConcurrent() int {
	return getInt(executorWorkerConcurrent, 8)
}

// GetExecutorHeartbeatInterval returns how often running steps heartbeat.
func GetExecutorHeartbeatInterval() time.Duration {
	return time.Duration(getInt(executorHeartbeatSecond, 15)) * time.Second
}

// GetExecutorStepTimeout returns the default per-step execution timeout.
func GetExecutorStepTimeout() time.Duration {
	return time.Duration(getInt(executorStepTimeoutSecond, 600)) * time.Second
}

// GetServiceClientTimeout returns the outbound HTTP timeout for service steps.
func GetServiceClientTimeout() time.Duration {
	return time.Duration(getInt64(serviceClientTimeoutMs, 60_000)) * time.Millisecond
}

// GetServiceClientHostOverride returns the host used when rewriting loopback URLs.
func GetServiceClientHostOverride() string {
	return getString(serviceClientHostOverride, "")
}

// IsLoopbackRewriteDisabled returns whether loopback URL rewriting is disabled.
func IsLoopbackRewriteDisabled() bool {
	return getBool(serviceClientDisableLoopback, false)
}

// GetLifecycleInterval returns the pause between lifecycle runner sweeps.
func GetLifecycleInterval() time.Duration {
	return time.Duration(getInt(lifecycleIntervalSecond, 60)) * time.Second
}

// GetTargetPartitionBytes returns the compaction output size target.
func GetTargetPartitionBytes() int64 {
	return getInt64(lifecycleTargetPartitionBytes, 256<<20)
}

// GetSmallPartitionBytes returns the threshold below which a partition is a
// compaction candidate.
func GetSmallPartitionBytes() int64 {
	return getInt64(lifecycleSmallPartitionBytes, 64<<20)
}

// GetMaxPartitionsPerGroup caps the member count of one compaction group.
func GetMaxPartitionsPerGroup() int {
	return getInt(lifecycleMaxPartitionsPerGrp, 16)
}

// GetChunkPartitionLimit caps how many partitions one compaction chunk touches.
func GetChunkPartitionLimit() int {
	return getInt(lifecycleChunkPartitionLimit, 32)
}

// GetAuditTTLHours returns the retention window of dataset access audit rows.
func GetAuditTTLHours() int {
	return getInt(lifecycleAuditTTLHours, 720)
}

// GetAuditPruneBatch returns how many audit rows one prune pass deletes.
func GetAuditPruneBatch() int {
	return getInt(lifecycleAuditPruneBatch, 1000)
}

// GetAuditPruneInterval returns the pause between audit prune passes.
func GetAuditPruneInterval() time.Duration {
	return time.Duration(getInt(lifecycleAuditPruneIntervalS, 3600)) * time.Second
}

// GetManifestCacheTTL returns the manifest cache entry TTL.
func GetManifestCacheTTL() time.Duration {
	return time.Duration(getInt(manifestCacheTTLSecond, 300)) * time.Second
}

// GetWorkflowCacheTTL returns the workflow graph cache TTL.
func GetWorkflowCacheTTL() time.Duration {
	return time.Duration(getInt(workflowCacheTTLSecond, 60)) * time.Second
}

// GetEventRetentionHours returns how long ingested event envelopes are kept.
func GetEventRetentionHours() int {
	return getInt(eventsRetentionHours, 168)
}

// GetEventCleanupInterval returns the pause between event retention sweeps.
func GetEventCleanupInterval() time.Duration {
	return time.Duration(getInt(eventsCleanupIntervalSec, 3600)) * time.Second
}

// GetEventDefaultTTL returns the acceptance window applied when an envelope
// carries no ttlMs.
func GetEventDefaultTTL() time.Duration {
	return time.Duration(getInt64(eventsDefaultTTLMs, 0)) * time.Millisecond
}

// IsStreamingEnabled returns whether the event stream feature is on.
func IsStreamingEnabled() bool {
	return getBool(eventsStreamingEnable, true)
}

// GetEventDispatchConcurrency returns the number of concurrent delivery evaluators.
func GetEventDispatchConcurrency() int {
	return getInt(eventsDispatchConcurrency, 4)
}

// GetTriggerMaxDeliveryAttempts caps delivery retries before a delivery fails.
func GetTriggerMaxDeliveryAttempts() int {
	return getInt(triggersMaxDeliveryAttempts, 3)
}

// GetTriggerFailureThreshold returns the consecutive-failure count that
// pauses a trigger.
func GetTriggerFailureThreshold() int {
	return getInt(triggersFailureThreshold, 5)
}

// GetSourceFailureThreshold returns the consecutive-failure count that
// pauses an event source.
func GetSourceFailureThreshold() int {
	return getInt(triggersSourceThreshold, 25)
}

// GetTriggerPauseBase returns the base pause duration applied on auto-pause.
func GetTriggerPauseBase() time.Duration {
	return time.Duration(getInt(triggersPauseBaseSecond, 30)) * time.Second
}

// GetTriggerPauseMax caps the auto-pause duration.
func GetTriggerPauseMax() time.Duration {
	return time.Duration(getInt(triggersPauseMaxSecond, 1800)) * time.Second
}

// GetTriggerRetryInterval returns the redelivery pause for matched deliveries
// waiting on concurrency capacity.
func GetTriggerRetryInterval() time.Duration {
	return time.Duration(getInt(triggersRetryIntervalSeconds, 15)) * time.Second
}

// GetScheduleTickInterval returns the cron materializer tick period.
func GetScheduleTickInterval() time.Duration {
	return time.Duration(getInt(schedulesTickIntervalS, 15)) * time.Second
}

// GetScheduleMaxCatchUp caps how many missed fires one sweep materializes.
func GetScheduleMaxCatchUp() int {
	return getInt(schedulesMaxCatchUp, 50)
}

// GetScheduleLookbackHours bounds how far back catch-up reaches when a
// schedule has no materialized window yet.
func GetScheduleLookbackHours() int {
	return getInt(schedulesLookbackHours, 24)
}

// GetAssetCooldownBase returns the base auto-materialize failure cooldown.
func GetAssetCooldownBase() time.Duration {
	return time.Duration(getInt(assetsCooldownBaseSecond, 60)) * time.Second
}

// GetAssetCooldownMax caps the auto-materialize failure cooldown.
func GetAssetCooldownMax() time.Duration {
	return time.Duration(getInt(assetsCooldownMaxSecond, 3600)) * time.Second
}

// GetAssetMaterializeInterval returns the auto-materializer sweep period.
func GetAssetMaterializeInterval() time.Duration {
	return time.Duration(getInt(assetsMaterializeInterval, 30)) * time.Second
}

// GetStorageRootPath returns the root path for locally written partitions.
func GetStorageRootPath() string {
	return getString(storageRootPath, "/var/lib/fathom/partitions")
}

// IsMetricsEnable returns whether the prometheus endpoint is exposed.
func IsMetricsEnable() bool {
	return getBool(metricsEnable, true)
}
