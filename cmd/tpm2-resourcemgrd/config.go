// Copyright (c) 2024, Google LLC All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// config holds every knob the daemon reads through viper, in order of
// precedence: flags, then a config file named by --config, then these
// defaults. The quota defaults (27 transient objects, 3 sessions per
// connection) come straight from the reference implementation's own
// constants. The abandonment FIFO bound is not a knob here: it is the
// fixed constant session.MaxAbandoned (4).
type config struct {
	Device         string `mapstructure:"device"`
	Socket         string `mapstructure:"socket"`
	TransientQuota int    `mapstructure:"transient-quota"`
	SessionQuota   int    `mapstructure:"session-quota"`
	LogLevel       string `mapstructure:"log-level"`
}

func loadConfig(cmd *cobra.Command) (config, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return config{}, fmt.Errorf("bind flags: %w", err)
	}

	viper.SetDefault("device", "/dev/tpmrm0")
	viper.SetDefault("socket", "/run/tpm2-resourcemgrd.sock")
	viper.SetDefault("transient-quota", 27)
	viper.SetDefault("session-quota", 3)
	viper.SetDefault("log-level", "info")

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	var cfg config
	if err := viper.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
