// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dummydev

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config describes the device layout and driver behaviour. Addresses in
// default tags are decimal; YAML files may use hex.
type Config struct {
	Name        string `yaml:"name" default:"plat_dummy"`
	MemDevice   string `yaml:"mem_device" default:"/dev/mem"`
	BackingFile string `yaml:"backing_file"` // simulate the device in a regular file

	RdBufBase uint64 `yaml:"rd_buf_base" default:"2669674496"` // 0x9f200000
	WrBufBase uint64 `yaml:"wr_buf_base" default:"2669678592"` // 0x9f201000
	RegBase   uint64 `yaml:"reg_base" default:"2669682688"`    // 0x9f202000
	MemSize   uint64 `yaml:"mem_size" default:"4096"`
	RegSize   uint64 `yaml:"reg_size" default:"64"`

	PollInterval   time.Duration `yaml:"poll_interval" default:"500ms"`
	Workers        int           `yaml:"workers" default:"2"`
	CancelAttempts int           `yaml:"cancel_attempts" default:"5"`
	CancelWait     time.Duration `yaml:"cancel_wait" default:"200ms"`

	LogLevel string `yaml:"log_level" default:"info"`
}

// DefaultConfig returns the configuration of the reference device.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks the configuration for values the driver cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is empty"))
	}
	if c.MemSize == 0 {
		errs = append(errs, errors.New("mem_size must be positive"))
	}
	if c.RegSize < minRegsSize {
		errs = append(errs, fmt.Errorf("reg_size must be at least %d", minRegsSize))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if c.CancelAttempts < 1 {
		errs = append(errs, errors.New("cancel_attempts must be at least 1"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	res := c.Resources().list()
	for i, r := range res {
		for _, o := range res[:i] {
			if r.overlaps(o) {
				errs = append(errs, fmt.Errorf("%s overlaps %s", r.Name, o.Name))
			}
		}
	}
	return errors.Join(errs...)
}

// Resources returns the three device regions.
func (c *Config) Resources() Resources {
	return Resources{
		Inbound:  Resource{Name: "dummy_rd_buf", Start: c.RdBufBase, Size: c.MemSize},
		Outbound: Resource{Name: "dummy_wr_buf", Start: c.WrBufBase, Size: c.MemSize},
		Regs:     Resource{Name: "dummy_regs", Start: c.RegBase, Size: c.RegSize},
	}
}

// Span returns the lowest address and the size of the range covering all
// three regions.
func (c *Config) Span() (base, size uint64) {
	base, end := c.RdBufBase, c.RdBufBase
	for _, r := range c.Resources().list() {
		base = min(base, r.Start)
		end = max(end, r.Start+r.Size)
	}
	return base, end - base
}

// Mapper returns the mapper selected by the configuration: a backing file
// if one is set, the memory device otherwise.
func (c *Config) Mapper() (*MemMapper, error) {
	if c.BackingFile != "" {
		base, size := c.Span()
		return NewFileMapper(c.BackingFile, base, size)
	}
	return &MemMapper{path: c.MemDevice}, nil
}

// Options converts the configuration into Attach options.
func (c *Config) Options() []Option {
	return []Option{
		WithInterval(c.PollInterval),
		WithWorkers(c.Workers),
		WithCancelPolicy(c.CancelAttempts, c.CancelWait),
	}
}

// NewLogger creates a logger at the configured level.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
