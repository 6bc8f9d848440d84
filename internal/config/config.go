// Package config loads the YAML configuration: daemon settings plus
// name-scoped object declarations and apply rules, linked and validated
// into a populated object store. Configuration is read once at startup;
// replicated config changes trigger a managed restart instead of a live
// reload.
package config

import (
	"path/filepath"
	"time"

	"github.com/oceanplexian/vigil/internal/objects"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var log = logrus.WithField(trace.Component, "vigil:config")

const defaultDataDir = "/var/lib/vigil"

// Duration accepts Go duration strings ("90s", "5m") and bare integers,
// which count seconds, the classic interval unit.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return trace.BadParameter("invalid duration %q", node.Value)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return trace.BadParameter("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// Daemon is the process-level configuration. Paths left empty derive
// from DataDir.
type Daemon struct {
	// Identity is this node's name, and the CN of its certificate when
	// clustering is on.
	Identity string `yaml:"identity"`
	// DataDir is the state root: retention, logs, spools, cluster state.
	DataDir string `yaml:"data_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Features Features        `yaml:"features"`
	Checks   ChecksConfig    `yaml:"checks"`
	Cluster  ClusterConfig   `yaml:"cluster"`
	API      APIConfig       `yaml:"api"`
	IDO      IDOConfig       `yaml:"ido"`
	Perfdata PerfdataConfig  `yaml:"perfdata"`

	StatusFile       string `yaml:"status_file"`
	ObjectsCacheFile string `yaml:"objects_cache_file"`
	RetentionFile    string `yaml:"retention_file"`
	ActivityLog      string `yaml:"activity_log"`
	CommandPipe      string `yaml:"command_pipe"`
	CommandSpool     string `yaml:"command_spool"`
}

// Features are the initial program-wide switches. Absent values default
// to on; retention restores the operator's last runtime values over
// these at boot.
type Features struct {
	Notifications *bool `yaml:"notifications"`
	ActiveChecks  *bool `yaml:"active_checks"`
	PassiveChecks *bool `yaml:"passive_checks"`
	EventHandlers *bool `yaml:"event_handlers"`
	FlapDetection *bool `yaml:"flap_detection"`
	Perfdata      *bool `yaml:"perfdata"`
}

// Apply copies the switches onto the program state.
func (f Features) Apply(p *objects.Program) {
	p.SetNotificationsEnabled(boolVal(f.Notifications, true))
	p.SetActiveChecksEnabled(boolVal(f.ActiveChecks, true))
	p.SetPassiveChecksEnabled(boolVal(f.PassiveChecks, true))
	p.SetEventHandlersEnabled(boolVal(f.EventHandlers, true))
	p.SetFlapDetectionEnabled(boolVal(f.FlapDetection, true))
	p.SetPerfDataEnabled(boolVal(f.Perfdata, true))
}

// ChecksConfig sizes the execution worker pool.
type ChecksConfig struct {
	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"`
}

// ClusterConfig wires the replication listener.
type ClusterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Listen       string `yaml:"listen"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	CAFile       string `yaml:"ca_file"`
	AcceptConfig bool   `yaml:"accept_config"`
}

// APIConfig wires the HTTP API listener.
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	TokenHash string `yaml:"token_hash"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

// IDOConfig wires the database sink.
type IDOConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Instance    string `yaml:"instance"`
	TablePrefix string `yaml:"table_prefix"`
}

// PerfdataConfig wires the flat-file perfdata sink.
type PerfdataConfig struct {
	Enabled        bool     `yaml:"enabled"`
	HostFile       string   `yaml:"host_file"`
	ServiceFile    string   `yaml:"service_file"`
	RotateInterval Duration `yaml:"rotate_interval"`
}

// CheckAndSetDefaults validates the daemon settings and derives the
// unset paths from DataDir.
func (d *Daemon) CheckAndSetDefaults() error {
	if d.Identity == "" {
		return trace.BadParameter("missing parameter daemon.identity")
	}
	if d.DataDir == "" {
		d.DataDir = defaultDataDir
	}
	if d.LogLevel == "" {
		d.LogLevel = "info"
	}
	if _, err := logrus.ParseLevel(d.LogLevel); err != nil {
		return trace.BadParameter("unknown log level %q", d.LogLevel)
	}
	switch d.LogFormat {
	case "":
		d.LogFormat = "text"
	case "text", "json":
	default:
		return trace.BadParameter("unknown log format %q", d.LogFormat)
	}

	if d.StatusFile == "" {
		d.StatusFile = filepath.Join(d.DataDir, "status.dat")
	}
	if d.ObjectsCacheFile == "" {
		d.ObjectsCacheFile = filepath.Join(d.DataDir, "objects.cache")
	}
	if d.RetentionFile == "" {
		d.RetentionFile = filepath.Join(d.DataDir, "retention.json")
	}
	if d.ActivityLog == "" {
		d.ActivityLog = filepath.Join(d.DataDir, "vigil.log")
	}
	if d.CommandPipe == "" {
		d.CommandPipe = filepath.Join(d.DataDir, "rw", "vigil.cmd")
	}
	if d.CommandSpool == "" {
		d.CommandSpool = filepath.Join(d.DataDir, "spool")
	}

	if d.Cluster.Enabled {
		if d.Cluster.Listen == "" {
			d.Cluster.Listen = ":5665"
		}
		if d.Cluster.CertFile == "" || d.Cluster.KeyFile == "" {
			return trace.BadParameter("cluster needs cert_file and key_file")
		}
		if d.Cluster.CAFile == "" {
			return trace.BadParameter("cluster needs ca_file")
		}
	}
	if d.API.Enabled && d.API.Listen == "" {
		d.API.Listen = ":5668"
	}
	if d.IDO.Enabled && d.IDO.DSN == "" {
		return trace.BadParameter("ido needs dsn")
	}
	if d.Perfdata.Enabled {
		if d.Perfdata.HostFile == "" {
			d.Perfdata.HostFile = filepath.Join(d.DataDir, "perfdata", "host-perfdata")
		}
		if d.Perfdata.ServiceFile == "" {
			d.Perfdata.ServiceFile = filepath.Join(d.DataDir, "perfdata", "service-perfdata")
		}
	}
	return nil
}

// ClusterLogDir is where replay segments live.
func (d *Daemon) ClusterLogDir() string {
	return filepath.Join(d.DataDir, "cluster", "log")
}

// ClusterConfigDir is where config pushed by peers lands.
func (d *Daemon) ClusterConfigDir() string {
	return filepath.Join(d.DataDir, "cluster", "config")
}

func boolVal(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
