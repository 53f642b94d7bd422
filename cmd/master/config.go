package main

import (
	"path/filepath"
	"time"

	"github.com/springinnovate/nci-ndr-analysis/pkg/log"
)

// Production scenario and raster lists for the NDR stitching workload.
var (
	defaultScenarios = []string{
		"baseline_potter", "baseline_napp_rate", "ag_expansion",
		"ag_intensification", "restoration_potter", "restoration_napp_rate",
	}
	defaultRasters = []string{"n_export", "modified_load"}
)

type Config struct {
	// Address to listen on for HTTP, tcp://host:port.
	Listen string `mapstructure:"listen"`
	// Externally reachable host:port used to build the callback URL.
	ExternalAddress string `mapstructure:"external_address"`
	// Static worker host:port list. Bypasses EC2 discovery when set.
	Workers []string `mapstructure:"workers"`
	// Port stitcher workers listen on.
	WorkerPort int `mapstructure:"worker_port"`
	// EC2 tag value identifying worker instances.
	WorkerTag string `mapstructure:"worker_tag"`
	// Grid cell size in degrees.
	GridStep float64 `mapstructure:"grid_step"`
	// Scenario identifiers to stitch.
	Scenarios []string `mapstructure:"scenarios"`
	// Raster kinds to stitch per scenario.
	Rasters []string `mapstructure:"rasters"`
	// Workspace directory for the catalog and staged artifacts.
	Workspace string `mapstructure:"workspace"`
	// Destination prefix workers upload results under.
	BucketURIPrefix string `mapstructure:"bucket_uri_prefix"`
	// Output resolution of stitched rasters, degrees per pixel.
	PixelSize float64 `mapstructure:"pixel_size"`
	// Fleet discovery poll interval.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Delay between dispatcher backlog passes.
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	// Upper bound on a single outbound dispatch call.
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	// Optional artifact to stage at startup.
	WatershedsURL string `mapstructure:"watersheds_url"`
}

func (c *Config) SetDefaults() {
	if c.Listen == "" {
		c.Listen = "tcp://:8080"
	}
	if c.ExternalAddress == "" {
		c.ExternalAddress = "localhost:8080"
	}
	if c.WorkerPort == 0 {
		c.WorkerPort = 8888
	}
	if c.WorkerTag == "" {
		c.WorkerTag = "ndr-nci-stitcher-worker"
	}
	if c.GridStep == 0 {
		c.GridStep = 2.0
	}
	if len(c.Scenarios) == 0 {
		c.Scenarios = defaultScenarios
	}
	if len(c.Rasters) == 0 {
		c.Rasters = defaultRasters
	}
	if c.Workspace == "" {
		c.Workspace = "nci_stitcher_workspace"
	}
	if c.BucketURIPrefix == "" {
		c.BucketURIPrefix = "s3://nci-ecoshards/ndr_scenarios"
	}
	if c.PixelSize == 0 {
		c.PixelSize = 0.002
	}
}

func (c *Config) DatabasePath() string {
	return filepath.Join(c.Workspace, "churn", "status_database.sqlite3")
}

func (c *Config) TokenPath() string {
	return c.DatabasePath() + ".CREATED"
}

func (c *Config) EcoshardDir() string {
	return filepath.Join(c.Workspace, "ecoshards")
}

func (c *Config) Log() {
	log.Info("Master configuration:")
	log.Infof("  HTTP listen address: %s", c.Listen)
	log.Infof("  External address: %s", c.ExternalAddress)
	if len(c.Workers) > 0 {
		log.Infof("  Static workers: %v", c.Workers)
	} else {
		log.Infof("  Worker tag: %s, port: %d", c.WorkerTag, c.WorkerPort)
	}
	log.Infof("  Grid step: %g degrees", c.GridStep)
	log.Infof("  Scenarios: %v", c.Scenarios)
	log.Infof("  Rasters: %v", c.Rasters)
	log.Infof("  Workspace: %s", c.Workspace)
	log.Infof("  Bucket URI prefix: %s", c.BucketURIPrefix)
	log.Infof("  Pixel size: %g", c.PixelSize)
}
