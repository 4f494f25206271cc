// Package config loads the benchd server configuration from flags and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/koding/multiconfig"

	"github.com/kernelboard/benchd/manager"
)

// Config defines the benchd server configuration.
type Config struct {
	// tasks and code store
	TaskDir     string        `flagUsage:"directory holding task definition yaml files" default:"tasks"`
	CodeDir     string        `flagUsage:"directory to persist code bundles (in memory when empty)"`
	CodeTimeout time.Duration `flagUsage:"ttl for stored code bundles (never expires when 0)"`

	// job store
	PostgresDSN string `flagUsage:"postgres connection string (in-memory job store when empty)"`

	// progress stream
	RedisAddr   string `flagUsage:"redis address for the progress stream (disabled when empty)"`
	RedisStream string `flagUsage:"redis stream key for progress events" default:"benchd:events"`

	// function-call backend
	FnEndpoints string `flagUsage:"function backend endpoints as resource=url pairs"`
	FnToken     string `flagUsage:"bearer token for the function backend"`

	// build backends (poll-based and agent-queue)
	CIAPI       string `flagUsage:"build api base url"`
	CIOrg       string `flagUsage:"build api organization slug"`
	CIPipeline  string `flagUsage:"build api pipeline slug"`
	CIToken     string `flagUsage:"build api token"`
	CIAddresses string `flagUsage:"poll-backend targets as resource=address pairs"`
	AgentQueues string `flagUsage:"agent-queue backends as resource=queue pairs"`

	// worker pool
	Pool manager.Config

	// server config
	HTTPAddr      string `flagUsage:"specifies the http binding address" default:":8080"`
	MonitorAddr   string `flagUsage:"specifies the metrics binding address" default:":8081"`
	AuthToken     string `flagUsage:"bearer token auth for REST / websocket"`
	EnableDebug   bool   `flagUsage:"enable debug endpoint"`
	EnableMetrics bool   `flagUsage:"enable prometheus metrics endpoint"`

	// logger config
	Release bool `flagUsage:"release level of logs"`
	Silent  bool `flagUsage:"do not print logs"`

	// show version and exit
	Version bool `flagUsage:"show version and exit"`
}

// Load loads config from flag & environment variables
func (c *Config) Load() error {
	cl := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "BENCHD",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "BENCHD",
		},
	)
	if os.Getpid() == 1 {
		c.Release = true
	}
	return cl.Load(c)
}

// ParsePairs splits "a=1,b=2" option values into a map. An empty input
// yields an empty map.
func ParsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed pair %q, want key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
