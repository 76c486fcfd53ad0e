package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigErrors collects problems found while verifying the configuration so
// the operator sees all of them at once rather than one per restart.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

// CollabPod is the pod configuration, populated from the environment.
type CollabPod struct {
	// PodID is the stable identifier used for stream origin tagging. Two
	// pods sharing an ID would treat each other's stream entries as echoes.
	PodID string

	// ListenAddr is the client transport and HTTP bind address.
	ListenAddr string

	// EdgeTokenSecret is the HMAC secret shared with the edge relay for
	// session token verification.
	EdgeTokenSecret string

	// StreamURL points at the replicated stream provider. Empty means an
	// embedded server, which only makes sense for a single-pod deployment
	// or tests.
	StreamURL string

	// StreamStoreDir is where the embedded stream server keeps its state.
	// Unused when STREAM_URL points at an external server.
	StreamStoreDir string

	// StreamLogVerbose enables debug logging from the embedded stream
	// server, which is noisy enough to want its own switch.
	StreamLogVerbose bool

	// OpStoreURL is the op store connection string. postgres:// selects the
	// Postgres backend, anything else is treated as a SQLite URI.
	OpStoreURL string

	// SentryDSN enables exception reporting when non-empty.
	SentryDSN string

	IdleRoomGrace      time.Duration
	PresenceTTL        time.Duration
	EgressBytes        int
	EgressFrames       int
	SlowClientTimeout  time.Duration
	DrainTimeout       time.Duration
	StreamMaxEntries   int64
	StreamMaxAge       time.Duration
	MaxRooms           int
	MaxSessionsPerRoom int
}

// Defaults applies the documented default knobs.
func (c *CollabPod) Defaults() {
	c.ListenAddr = ":8009"
	c.StreamStoreDir = "./collabpod-stream"
	c.OpStoreURL = "file:collabpod.db"
	c.IdleRoomGrace = 60 * time.Second
	c.PresenceTTL = 120 * time.Second
	c.EgressBytes = 64 * 1024
	c.EgressFrames = 256
	c.SlowClientTimeout = time.Second
	c.DrainTimeout = 10 * time.Second
	c.StreamMaxEntries = 1000
	c.StreamMaxAge = 60 * time.Second
	c.MaxRooms = 4096
	c.MaxSessionsPerRoom = 10000
}

// Verify checks the configuration, appending any problems to configErrs.
func (c *CollabPod) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "POD_ID", c.PodID)
	checkNotEmpty(configErrs, "LISTEN_ADDR", c.ListenAddr)
	checkNotEmpty(configErrs, "EDGE_TOKEN_SECRET", c.EdgeTokenSecret)
	checkNotEmpty(configErrs, "OP_STORE_URL", c.OpStoreURL)
	checkPositive(configErrs, "IDLE_ROOM_GRACE_S", int64(c.IdleRoomGrace))
	checkPositive(configErrs, "PRESENCE_TTL_S", int64(c.PresenceTTL))
	checkPositive(configErrs, "EGRESS_BYTES", int64(c.EgressBytes))
	checkPositive(configErrs, "EGRESS_FRAMES", int64(c.EgressFrames))
	checkPositive(configErrs, "SLOW_CLIENT_TIMEOUT_MS", int64(c.SlowClientTimeout))
	checkPositive(configErrs, "DRAIN_TIMEOUT_S", int64(c.DrainTimeout))
	checkPositive(configErrs, "STREAM_MAX_ENTRIES", c.StreamMaxEntries)
	checkPositive(configErrs, "STREAM_MAX_AGE_S", int64(c.StreamMaxAge))
	checkPositive(configErrs, "MAX_ROOMS", int64(c.MaxRooms))
	checkPositive(configErrs, "MAX_SESSIONS_PER_ROOM", int64(c.MaxSessionsPerRoom))
}

// Load reads the configuration from the environment.
func Load() (*CollabPod, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c CollabPod
	c.Defaults()

	c.PodID = v.GetString("pod_id")
	if addr := v.GetString("listen_addr"); addr != "" {
		c.ListenAddr = addr
	}
	c.EdgeTokenSecret = v.GetString("edge_token_secret")
	c.StreamURL = v.GetString("stream_url")
	if dir := v.GetString("stream_store_dir"); dir != "" {
		c.StreamStoreDir = dir
	}
	c.StreamLogVerbose = v.GetBool("stream_log_verbose")
	if u := v.GetString("op_store_url"); u != "" {
		c.OpStoreURL = u
	}
	c.SentryDSN = v.GetString("sentry_dsn")

	loadSeconds(v, "idle_room_grace_s", &c.IdleRoomGrace)
	loadSeconds(v, "presence_ttl_s", &c.PresenceTTL)
	loadSeconds(v, "drain_timeout_s", &c.DrainTimeout)
	loadSeconds(v, "stream_max_age_s", &c.StreamMaxAge)
	if ms := v.GetInt64("slow_client_timeout_ms"); ms > 0 {
		c.SlowClientTimeout = time.Duration(ms) * time.Millisecond
	}
	if n := v.GetInt("egress_bytes"); n > 0 {
		c.EgressBytes = n
	}
	if n := v.GetInt("egress_frames"); n > 0 {
		c.EgressFrames = n
	}
	if n := v.GetInt64("stream_max_entries"); n > 0 {
		c.StreamMaxEntries = n
	}
	if n := v.GetInt("max_rooms"); n > 0 {
		c.MaxRooms = n
	}
	if n := v.GetInt("max_sessions_per_room"); n > 0 {
		c.MaxSessionsPerRoom = n
	}

	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

func loadSeconds(v *viper.Viper, key string, dst *time.Duration) {
	if s := v.GetInt64(key); s > 0 {
		*dst = time.Duration(s) * time.Second
	}
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: must be positive", key))
	}
}
