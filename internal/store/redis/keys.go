package redis

const (
	// KeyPrefix namespaces every key written by the store
	KeyPrefix = "probeswarm:"

	keyPrefixWorker   = KeyPrefix + "worker:"
	keyPrefixTask     = KeyPrefix + "task:"
	keyAllWorkers     = KeyPrefix + "workers:all"
	keyAllTasks       = KeyPrefix + "tasks:all"
	keyAllDomains     = KeyPrefix + "domains:all"
	keyScannedDomains = KeyPrefix + "domains:scanned"
	keySettings       = KeyPrefix + "settings"
)

// WorkerKey returns the Redis key holding a worker's JSON document
func WorkerKey(id string) string {
	return keyPrefixWorker + id
}

// TaskKey returns the Redis key of a task hash
func TaskKey(id string) string {
	return keyPrefixTask + id
}

// ResultsKey returns the Redis key of the result list of a task
func ResultsKey(taskID string) string {
	return keyPrefixTask + taskID + ":results"
}

// AllWorkersKey returns the ZSET of worker ids scored by creation time
func AllWorkersKey() string { return keyAllWorkers }

// AllTasksKey returns the ZSET of task ids scored by creation time
func AllTasksKey() string { return keyAllTasks }

// AllDomainsKey returns the SET of every known domain
func AllDomainsKey() string { return keyAllDomains }

// ScannedDomainsKey returns the SET of domains already covered by a completed task
func ScannedDomainsKey() string { return keyScannedDomains }

// SettingsKey returns the hash of process-wide settings
func SettingsKey() string { return keySettings }
