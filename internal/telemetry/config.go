package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/config"
)

// Export protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config selects what is exported and where.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string
	Insecure       bool
	TLSSkipVerify  bool
	SampleRate     float64

	// Metrics and Logs toggle their signal; traces follow Enabled.
	Metrics        bool
	Logs           bool
	ExportInterval time.Duration
	ShutdownAfter  time.Duration
}

// NewDefaultConfig returns disabled telemetry pointed at a collector on
// localhost.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:       "localhost:4317",
		Protocol:       ProtocolGRPC,
		ServiceName:    "pipelined",
		ServiceVersion: "dev",
		Insecure:       true,
		SampleRate:     1,
		Metrics:        true,
		Logs:           true,
		ExportInterval: 15 * time.Second,
		ShutdownAfter:  5 * time.Second,
	}
}

// ConfigFrom maps the observability section onto a Config.
func ConfigFrom(oc config.ObservabilityConfig, version string) *Config {
	c := NewDefaultConfig()
	c.Enabled = oc.EnableTelemetry
	c.Endpoint = oc.Endpoint
	c.Protocol = oc.Protocol
	c.ServiceName = oc.ServiceName
	c.Insecure = oc.Insecure
	c.TLSSkipVerify = oc.TLSSkipVerify
	c.SampleRate = oc.SampleRate
	c.Logs = oc.ExportLogs
	if version != "" {
		c.ServiceVersion = version
	}
	return c
}

// Validate reports every problem at once. A disabled config is valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Endpoint != "", "endpoint is required")
	check(c.ServiceName != "", "service_name is required")
	check(c.Protocol == ProtocolGRPC || c.Protocol == ProtocolHTTP,
		"protocol must be %s or %s, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol)
	check(!c.Insecure || c.Endpoint == "" || isLoopback(c.Endpoint),
		"insecure export to %q is only allowed for a local collector", c.Endpoint)
	check(c.SampleRate >= 0 && c.SampleRate <= 1, "sample_rate must be within [0, 1], got %g", c.SampleRate)
	check(!c.Metrics || c.ExportInterval > 0, "export interval must be positive")
	check(c.ShutdownAfter > 0, "shutdown timeout must be positive")
	return errors.Join(errs...)
}

// hostPort drops an http or https scheme; exporters want host:port.
func hostPort(endpoint string) string {
	if _, rest, ok := strings.Cut(endpoint, "://"); ok {
		return rest
	}
	return endpoint
}

func isLoopback(endpoint string) bool {
	host := hostPort(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
