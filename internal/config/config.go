// Package config holds the run configuration of a policy derivation.
//
// Every file name is relative: the pipeline derives the actual path by
// concatenating it with the run prefix, so "out/" + "ciCFG" names
// out/ciCFG and "run1_" + "ciCFG" names run1_ciCFG.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cfipolicy/internal/diag"
	"cfipolicy/internal/output"
	"cfipolicy/internal/refine"
)

// Config is the YAML run configuration.
type Config struct {
	TableFile string  `yaml:"table_file"`
	StatsFile string  `yaml:"stats_file"`
	Outputs   Outputs `yaml:"outputs"`
	Refine    Refine  `yaml:"refine"`

	// Mode is "best-effort" or "strict".
	Mode    string `yaml:"mode"`
	Workers int    `yaml:"workers"`

	NormalizeContextTargets bool `yaml:"normalize_context_targets"`

	Graph       bool   `yaml:"graph"`
	GraphFile   string `yaml:"graph_file"`
	SummaryFile string `yaml:"summary_file"`
	MetricsFile string `yaml:"metrics_file"`
}

// Outputs names the policy channel files.
type Outputs struct {
	OS  string `yaml:"os"`
	CS1 string `yaml:"cs1"`
	CS2 string `yaml:"cs2"`
	CS3 string `yaml:"cs3"`
	CI  string `yaml:"ci"`
}

// Refine configures the address refiner.
type Refine struct {
	Timeout   time.Duration `yaml:"timeout"`
	ScanLimit int           `yaml:"scan_limit"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		TableFile: "dump_table",
		StatsFile: "errs.txt",
		Outputs: Outputs{
			OS:  "osCFG",
			CS1: "cs1CFG",
			CS2: "cs2CFG",
			CS3: "cs3CFG",
			CI:  "ciCFG",
		},
		Refine: Refine{
			Timeout:   refine.DefaultTimeout,
			ScanLimit: refine.DefaultScanLimit,
		},
		Mode:      diag.ModeBestEffort.String(),
		Workers:   1,
		GraphFile: "policy.dot",
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate rejects configurations the pipeline cannot run.
func (c Config) Validate() error {
	names := map[string]string{
		"table_file":  c.TableFile,
		"stats_file":  c.StatsFile,
		"outputs.os":  c.Outputs.OS,
		"outputs.cs1": c.Outputs.CS1,
		"outputs.cs2": c.Outputs.CS2,
		"outputs.cs3": c.Outputs.CS3,
		"outputs.ci":  c.Outputs.CI,
	}
	for field, v := range names {
		if v == "" {
			return fmt.Errorf("config: %s is empty", field)
		}
	}
	if c.Graph && c.GraphFile == "" {
		return fmt.Errorf("config: graph enabled without graph_file")
	}
	if c.Refine.Timeout <= 0 {
		return fmt.Errorf("config: refine.timeout must be positive, got %s", c.Refine.Timeout)
	}
	if c.Refine.ScanLimit <= 0 {
		return fmt.Errorf("config: refine.scan_limit must be positive, got %d", c.Refine.ScanLimit)
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	if _, err := diag.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DiagMode returns the parsed mode. It assumes a validated config.
func (c Config) DiagMode() diag.Mode {
	m, _ := diag.ParseMode(c.Mode)
	return m
}

// Path joins prefix and name.
func Path(prefix, name string) string { return prefix + name }

// OutputPaths returns the path of every policy channel under prefix.
func (c Config) OutputPaths(prefix string) map[output.Channel]string {
	return map[output.Channel]string{
		output.ChannelOS:  Path(prefix, c.Outputs.OS),
		output.ChannelCS1: Path(prefix, c.Outputs.CS1),
		output.ChannelCS2: Path(prefix, c.Outputs.CS2),
		output.ChannelCS3: Path(prefix, c.Outputs.CS3),
		output.ChannelCI:  Path(prefix, c.Outputs.CI),
	}
}
