package common

// Environment variable names forming the worker launch contract.
// The executor sets these when starting a worker runtime; the worker
// process reads them at startup.
const (
	EnvWorkerType = "FORGE_WORKER_TYPE"
	EnvWorkerID   = "FORGE_WORKER_ID"
	EnvJobDB      = "FORGE_JOB_DB"
	EnvCacheDB    = "FORGE_CACHE_DB"
	EnvWorkspace  = "FORGE_WORKSPACE"
	EnvSourceData = "FORGE_SOURCE_DATA"
	EnvLogLevel   = "FORGE_LOG_LEVEL"

	// Host-to-container path translation. A containerized worker converts
	// container paths back to host-visible paths for cache keys.
	EnvHostWorkspace      = "FORGE_HOST_WORKSPACE"
	EnvContainerWorkspace = "FORGE_CONTAINER_WORKSPACE"

	EnvPlantUMLJar = "FORGE_PLANTUML_JAR"
	EnvDrawioBin   = "FORGE_DRAWIO_BIN"
)
