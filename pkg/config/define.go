/*
 * Copyright (C) 2025-2026, Fathom Data, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

const (
	// server
	serverPrefix = "server."
	serverPort   = serverPrefix + "port"
	serverMode   = serverPrefix + "mode"

	// auth
	authPrefix        = "auth."
	authTokenRequired = authPrefix + "token_required"
	authOperators     = authPrefix + "operators"
	authSecretPath    = authPrefix + "secret_path"

	// db
	dbPrefix               = "db."
	dbEnable               = dbPrefix + "enable"
	dbSecretPath           = dbPrefix + "secret_path"
	dbHost                 = dbPrefix + "host"
	dbPort                 = dbPrefix + "port"
	dbName                 = dbPrefix + "dbname"
	dbUser                 = dbPrefix + "user"
	dbPassword             = dbPrefix + "password"
	dbSslMode              = dbPrefix + "ssl_mode"
	dbMaxOpenConns         = dbPrefix + "max_open_conns"
	dbMaxIdleConns         = dbPrefix + "max_idle_conns"
	dbMaxLifetime          = dbPrefix + "max_life_time_second"
	dbMaxIdleTimeSecond    = dbPrefix + "max_idle_time_second"
	dbConnectTimeoutSecond = dbPrefix + "connect_timeout_second"
	dbRequestTimeoutSecond = dbPrefix + "request_timeout_second"

	// queue
	queuePrefix                 = "queue."
	queueShards                 = queuePrefix + "shards"
	queueVisibilityTimeoutSec   = queuePrefix + "visibility_timeout_second"
	queueMaxDeliveryAttempts    = queuePrefix + "max_delivery_attempts"
	queueBufferPerShard         = queuePrefix + "buffer_per_shard"
	queueEnqueueRetrySecond     = queuePrefix + "enqueue_retry_second"
	queueEnqueueMaxElapsedSec   = queuePrefix + "enqueue_max_elapsed_second"
	queueRedeliveryIntervalSec  = queuePrefix + "redelivery_interval_second"
	queueShutdownDrainTimeoutMs = queuePrefix + "shutdown_drain_timeout_ms"

	// executor
	executorPrefix            = "executor."
	executorWorkerConcurrent  = executorPrefix + "worker_concurrent"
	executorHeartbeatSecond   = executorPrefix + "heartbeat_second"
	executorStepTimeoutSecond = executorPrefix + "step_timeout_second"

	// service_client
	serviceClientPrefix          = "service_client."
	serviceClientTimeoutMs       = serviceClientPrefix + "timeout_ms"
	serviceClientHostOverride    = serviceClientPrefix + "host_override"
	serviceClientDisableLoopback = serviceClientPrefix + "disable_loopback_rewrite"

	// lifecycle
	lifecyclePrefix               = "lifecycle."
	lifecycleIntervalSecond       = lifecyclePrefix + "interval_second"
	lifecycleTargetPartitionBytes = lifecyclePrefix + "target_partition_bytes"
	lifecycleSmallPartitionBytes  = lifecyclePrefix + "small_partition_bytes"
	lifecycleMaxPartitionsPerGrp  = lifecyclePrefix + "max_partitions_per_group"
	lifecycleChunkPartitionLimit  = lifecyclePrefix + "chunk_partition_limit"
	lifecycleAuditTTLHours        = lifecyclePrefix + "audit_ttl_hours"
	lifecycleAuditPruneBatch      = lifecyclePrefix + "audit_prune_batch"
	lifecycleAuditPruneIntervalS  = lifecyclePrefix + "audit_prune_interval_second"

	// manifest_cache
	manifestCachePrefix    = "manifest_cache."
	manifestCacheTTLSecond = manifestCachePrefix + "ttl_second"

	// workflow_cache
	workflowCachePrefix    = "workflow_cache."
	workflowCacheTTLSecond = workflowCachePrefix + "ttl_second"

	// events
	eventsPrefix              = "events."
	eventsRetentionHours      = eventsPrefix + "retention_hours"
	eventsCleanupIntervalSec  = eventsPrefix + "cleanup_interval_second"
	eventsDefaultTTLMs        = eventsPrefix + "default_ttl_ms"
	eventsStreamingEnable     = eventsPrefix + "streaming_enable"
	eventsDispatchConcurrency = eventsPrefix + "dispatch_concurrency"

	// triggers
	triggersPrefix               = "triggers."
	triggersMaxDeliveryAttempts  = triggersPrefix + "max_delivery_attempts"
	triggersFailureThreshold     = triggersPrefix + "failure_pause_threshold"
	triggersSourceThreshold      = triggersPrefix + "source_pause_threshold"
	triggersPauseBaseSecond      = triggersPrefix + "pause_base_second"
	triggersPauseMaxSecond       = triggersPrefix + "pause_max_second"
	triggersRetryIntervalSeconds = triggersPrefix + "retry_interval_second"

	// schedules
	schedulesPrefix         = "schedules."
	schedulesTickIntervalS  = schedulesPrefix + "tick_interval_second"
	schedulesMaxCatchUp     = schedulesPrefix + "max_catch_up"
	schedulesLookbackHours  = schedulesPrefix + "lookback_hours"
	schedulesDispatchJitter = schedulesPrefix + "dispatch_jitter_ms"

	// assets
	assetsPrefix              = "assets."
	assetsCooldownBaseSecond  = assetsPrefix + "cooldown_base_second"
	assetsCooldownMaxSecond   = assetsPrefix + "cooldown_max_second"
	assetsMaterializeInterval = assetsPrefix + "materialize_interval_second"

	// storage
	storagePrefix   = "storage."
	storageRootPath = storagePrefix + "root_path"

	// metrics
	metricsPrefix = "metrics."
	metricsEnable = metricsPrefix + "enable"
)
