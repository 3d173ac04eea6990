package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// LTI tool endpoints. The platform is configured with
	// PUBLIC_URL + LTIPath + LoginInitiationPath (step 1) and
	// PUBLIC_URL + LTIPath + LoginPath (step 3).
	LTIPath             string
	LoginPath           string
	LoginInitiationPath string

	// UseState switches launch correlation from a session cookie to a
	// state token carried by the browser, for platforms that embed the
	// tool in an iframe where third-party cookies are blocked.
	UseState bool
	// LimitIPAddresses rejects launches whose step-3 request arrives
	// from a different IP than step 1.
	LimitIPAddresses bool
	// StateTTL is how long a pending login may sit between steps.
	StateTTL time.Duration

	// Tool signing key. When KeyFile is empty a throwaway dev key pair is
	// generated at startup.
	KeyFile string
	KeyID   string

	// AssertionLifetime bounds the client assertion sent to platform
	// token endpoints.
	AssertionLifetime time.Duration

	// JWKSMinRefresh floors how often a platform's key set is re-fetched.
	JWKSMinRefresh time.Duration

	AdminUser     string
	AdminPassHash string // bcrypt

	SessionSecret string
	SessionTTL    time.Duration

	CORSOrigins []string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pub := os.Getenv("PUBLIC_URL")
	return Config{
		HTTPAddr:  addr,
		PublicURL: pub,
		DBDriver:  envOr("DB_DRIVER", "sqlite"),
		DBDSN:     envOr("DB_DSN", ""),

		LTIPath:             envOr("LTI_PATH", "/lti"),
		LoginPath:           envOr("LTI_LOGIN_PATH", "/login"),
		LoginInitiationPath: envOr("LTI_LOGIN_INITIATION_PATH", "/login_initiation"),

		UseState:         envBool("LTI_USE_STATE", false),
		LimitIPAddresses: envBool("LTI_LIMIT_IP_ADDRESSES", true),
		StateTTL:         envDuration("LTI_STATE_TTL", time.Minute),

		KeyFile: os.Getenv("LTI_KEY_FILE"),
		KeyID:   os.Getenv("LTI_KEY_ID"),

		AssertionLifetime: envDuration("LTI_ASSERTION_LIFETIME", 24*time.Hour),
		JWKSMinRefresh:    envDuration("LTI_JWKS_MIN_REFRESH", 15*time.Minute),

		AdminUser:     envOr("ADMIN_USER", "admin"),
		AdminPassHash: os.Getenv("ADMIN_PASS_HASH"),

		SessionSecret: os.Getenv("SESSION_SECRET"),
		SessionTTL:    envDuration("SESSION_TTL", 12*time.Hour),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}
func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}
func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	// plain integers are seconds, matching how deployments usually set TTLs
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
