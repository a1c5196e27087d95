package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type RedisCfg struct {
	Enabled   bool
	Addr      string
	OpTimeout time.Duration
	PoolSize  int
	// DialTimeout bounds the startup ping as well as reconnects.
	DialTimeout time.Duration
}

type PrefEventsCfg struct {
	Enabled   bool
	Brokers   string
	Topic     string
	QueueSize int
	// GroupID prefixes the per-replica consumer group that evicts cached
	// preferences changed elsewhere.
	GroupID string
}

type MetricsCfg struct {
	Enabled bool
	Addr    string
	Path    string
}

type Config struct {
	Addr                string
	LogLevel            string
	LogConsole          bool
	LogSampleN          int
	BrokerURL           string
	IDigBioURL          string
	GBIFTileURL         string
	ProjectionScenario  string
	MaxProjectionLayers int
	HandshakeTimeout    time.Duration
	ProtocolVersion     string
	AllowedOrigins      []string
	UpstreamTimeout     time.Duration
	OccProviders        []string
	NameProviders       []string
	ClusterRes          int
	MaxClusters         int
	PrefsLRUSize        int
	Redis               RedisCfg
	PrefEvents          PrefEventsCfg
	Metrics             MetricsCfg
}

func FromEnv() Config {
	clusterRes := getint("CLUSTER_H3_RES", 3)
	if clusterRes < 0 {
		clusterRes = 0
	}
	if clusterRes > 15 {
		clusterRes = 15
	}

	maxLayers := getint("MAX_PROJECTION_LAYERS", 10)
	if maxLayers <= 0 {
		maxLayers = 10
	}

	return Config{
		Addr:                getenv("ADDR", ":8090"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogConsole:          getbool("LOG_CONSOLE", false),
		LogSampleN:          getint("LOG_SAMPLE_N", 0),
		BrokerURL:           getenv("BROKER_URL", "http://localhost:8000"),
		IDigBioURL:          getenv("IDIGBIO_URL", "https://search.idigbio.org"),
		GBIFTileURL:         getenv("GBIF_TILE_URL", "https://api.gbif.org/v2/map/occurrence/{source}/{z}/{x}/{y}{format}?{params}"),
		ProjectionScenario:  getenv("PROJECTION_SCENARIO", "worldclim-curr"),
		MaxProjectionLayers: maxLayers,
		HandshakeTimeout:    getduration("HANDSHAKE_TIMEOUT", 250*time.Millisecond),
		ProtocolVersion:     getenv("PROTOCOL_VERSION", "1.0.0"),
		AllowedOrigins:      parseList(getenv("ALLOWED_ORIGINS", "")),
		UpstreamTimeout:     getduration("UPSTREAM_TIMEOUT", 30*time.Second),
		OccProviders:        parseList(getenv("OCC_PROVIDERS", "gbif,idb,mopho")),
		NameProviders:       parseList(getenv("NAME_PROVIDERS", "gbif,itis,worms")),
		ClusterRes:          clusterRes,
		MaxClusters:         getint("MAX_CLUSTERS", 256),
		PrefsLRUSize:        getint("PREFS_LRU_SIZE", 4096),
		Redis: RedisCfg{
			Enabled:     getbool("REDIS_ENABLED", false),
			Addr:        getenv("REDIS_ADDR", "localhost:6379"),
			OpTimeout:   getduration("PREFS_OP_TIMEOUT", 250*time.Millisecond),
			PoolSize:    getint("REDIS_POOL_SIZE", 16),
			DialTimeout: getduration("REDIS_DIAL_TIMEOUT", 2*time.Second),
		},
		PrefEvents: PrefEventsCfg{
			Enabled:   getbool("PREF_EVENTS_ENABLED", false),
			Brokers:   getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:     getenv("PREF_EVENTS_TOPIC", "map-preferences"),
			QueueSize: getint("PREF_EVENTS_QUEUE", 1024),
			GroupID:   getenv("PREF_EVENTS_GROUP", "mapfront"),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", false),
			Addr:    getenv("METRICS_ADDR", ":9090"),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "a, b,,c" into [a b c]
func parseList(s string) []string {
	out := []string{}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
