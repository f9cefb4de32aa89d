/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package config

import "time"

const (
	redisHost                = "redis.host"
	redisPort                = "redis.port"
	redisUsername            = "redis.username"
	redisPassword            = "redis.password"
	redisURL                 = "redis.url"
	redisConnectionTimeoutMs = "redis.connectionTimeoutMs"
	redisCommandTimeoutMs    = "redis.commandTimeoutMs"
	redisRetryAttempts       = "redis.retryAttempts"
	redisRetryDelayMs        = "redis.retryDelayMs"
	redisKeyPrefix           = "redis.keyPrefix"

	defaultsPollIntervalMs   = "defaults.pollIntervalMs"
	defaultsMaxRetryAttempts = "defaults.maxRetryAttempts"

	migrationEnabled            = "migration.enabled"
	migrationScheduleIntervalMs = "migration.scheduleIntervalMs"
	migrationJobTimeoutMs       = "migration.jobTimeoutMs"
	migrationMaxConcurrent      = "migration.maxConcurrentMigrations"
	migrationDryRunMode         = "migration.dryRunMode"
	migrationRetryFailed        = "migration.retryFailedMigrations"
	migrationLogLevel           = "migration.logLevel"

	instanceListingFallback = "instanceListing.enableFallbackToLocal"

	autostopInactivityThresholdMinutes = "autostop.inactivityThresholdMinutes"
	autostopDryRun                     = "autostop.dryRun"

	webhookTimeoutMs = "webhook.timeoutMs"

	serverPort      = "server.port"
	serverAuthToken = "server.authToken"

	providerBaseURL           = "provider.baseUrl"
	providerAPIKey            = "provider.apiKey"
	providerRequestsPerSecond = "provider.requestsPerSecond"
	providerBurst             = "provider.burst"
	providerTimeoutMs         = "provider.timeoutMs"
	providerRegions           = "provider.regions"

	monitorMaxWaitTimeMs = "monitor.maxWaitTimeMs"
)

func GetRedisHost() string { return getString(redisHost, "localhost") }
func GetRedisPort() int    { return getInt(redisPort, 6379) }

func GetRedisUsername() string { return getString(redisUsername, "") }
func GetRedisPassword() string { return getString(redisPassword, "") }

// GetRedisURL returns the full redis URL when set; host/port are ignored in
// that case.
func GetRedisURL() string { return getString(redisURL, "") }

func GetRedisConnectionTimeout() time.Duration {
	return getMillis(redisConnectionTimeoutMs, 5*time.Second)
}

func GetRedisCommandTimeout() time.Duration {
	return getMillis(redisCommandTimeoutMs, 3*time.Second)
}

func GetRedisRetryAttempts() int { return getInt(redisRetryAttempts, 3) }

func GetRedisRetryDelay() time.Duration { return getMillis(redisRetryDelayMs, 100*time.Millisecond) }

func GetRedisKeyPrefix() string { return getString(redisKeyPrefix, "gim:") }

func GetDefaultPollInterval() time.Duration { return getMillis(defaultsPollIntervalMs, 5*time.Second) }

func GetDefaultMaxRetryAttempts() int { return getInt(defaultsMaxRetryAttempts, 3) }

func IsMigrationEnabled() bool { return getBool(migrationEnabled, true) }

func GetMigrationScheduleInterval() time.Duration {
	return getMillis(migrationScheduleIntervalMs, 15*time.Minute)
}

func GetMigrationJobTimeout() time.Duration { return getMillis(migrationJobTimeoutMs, 10*time.Minute) }

func GetMigrationMaxConcurrent() int { return getInt(migrationMaxConcurrent, 5) }

func IsMigrationDryRun() bool { return getBool(migrationDryRunMode, false) }

func IsRetryFailedMigrations() bool { return getBool(migrationRetryFailed, true) }

func GetMigrationLogLevel() string { return getString(migrationLogLevel, "info") }

func IsInstanceListingFallbackEnabled() bool { return getBool(instanceListingFallback, false) }

func GetAutoStopInactivityThreshold() time.Duration {
	return time.Duration(getInt(autostopInactivityThresholdMinutes, 10)) * time.Minute
}

func IsAutoStopDryRun() bool { return getBool(autostopDryRun, false) }

func GetWebhookTimeout() time.Duration { return getMillis(webhookTimeoutMs, 10*time.Second) }

func GetServerPort() int { return getInt(serverPort, 8080) }

func GetServerAuthToken() string { return getString(serverAuthToken, "") }

func GetProviderBaseURL() string { return getString(providerBaseURL, "https://api.novita.ai") }

func GetProviderAPIKey() string { return getString(providerAPIKey, "") }

func GetProviderRequestsPerSecond() int { return getInt(providerRequestsPerSecond, 10) }

func GetProviderBurst() int { return getInt(providerBurst, 20) }

func GetProviderTimeout() time.Duration { return getMillis(providerTimeoutMs, 30*time.Second) }

// GetProviderRegions returns the comma-separated region fallback list in
// priority order.
func GetProviderRegions() []string { return getStrings(providerRegions) }

func GetMonitorMaxWaitTime() time.Duration { return getMillis(monitorMaxWaitTimeMs, 10*time.Minute) }
