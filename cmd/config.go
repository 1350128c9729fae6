// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/particle-tools/collider/internal/registry"
)

// Log configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Database configuration for the device registry
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func (dc *DatabaseConfig) getStore() (*registry.Store, error) {
	if dc.DSN == "" {
		return nil, errors.New("database configuration error: dsn is required")
	}

	// Validate database type
	dc.Type = strings.ToLower(dc.Type)
	if dc.Type != "sqlite" && dc.Type != "postgres" {
		return nil, fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", dc.Type)
	}

	return registry.Open(dc.Type, dc.DSN)
}

// Target cloud server: the device TCP endpoint and its public key
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	PublicKeyPath string `mapstructure:"public-key"`
}

func (sc *ServerConfig) validate() error {
	if sc.Address == "" {
		return errors.New("the cloud server address is required")
	}
	if sc.PublicKeyPath == "" {
		return errors.New("the cloud server public key path is required")
	}
	if _, err := os.Stat(sc.PublicKeyPath); err != nil {
		return fmt.Errorf("cannot access server public key %q: %w", sc.PublicKeyPath, err)
	}
	return nil
}

// Fleet shape and pacing
type FleetConfig struct {
	Devices       int     `mapstructure:"devices"`
	DelayMs       int     `mapstructure:"delay-ms"`
	RampPerSecond float64 `mapstructure:"ramp-per-second"`
	KeysDir       string  `mapstructure:"keys-dir"`
	WebhookName   string  `mapstructure:"webhook-name"`
}

func (fc *FleetConfig) validate() error {
	if fc.Devices < 1 {
		return errors.New("the fleet needs at least one device")
	}
	if fc.DelayMs < 0 {
		return errors.New("delay-ms must not be negative")
	}
	if fc.KeysDir == "" {
		return errors.New("the device keys directory is required")
	}
	return nil
}

// Cloud REST API access for out-of-band claiming and webhook registration.
// Optional: with an empty api address the harness skips claiming entirely.
type CloudConfig struct {
	API        string `mapstructure:"api"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	WebhookURL string `mapstructure:"webhook-url"`
}

func (cc *CloudConfig) validate() error {
	if cc.API == "" {
		return nil
	}
	if cc.Username == "" || cc.Password == "" {
		return errors.New("cloud api credentials are required when an api address is set")
	}
	return nil
}

// Configuration for the fleet status HTTP endpoint
type APIConfig struct {
	IP   string `mapstructure:"ip"`
	Port string `mapstructure:"port"`
}

// ListenAddress returns the concatenated IP:Port address for listening
func (a *APIConfig) ListenAddress() string {
	return a.IP + ":" + a.Port
}

func (a *APIConfig) validate() error {
	if a.IP == "" && a.Port == "" {
		return nil
	}
	if a.IP == "" || a.Port == "" {
		return errors.New("both api ip and port must be provided together, or neither")
	}
	return nil
}

// Enabled reports whether the status API should be served.
func (a *APIConfig) Enabled() bool {
	return a.IP != "" && a.Port != ""
}

// Scenario step parameter structures

// StormParams holds the parameters for the webhook-storm action
type StormParams struct {
	Count     int     `mapstructure:"count"`
	PerSecond float64 `mapstructure:"per-second"`
}

// DisconnectParams holds the parameters for the disconnect action
type DisconnectParams struct {
	Devices int `mapstructure:"devices"`
}

// PauseParams holds the parameters for the pause action
type PauseParams struct {
	Seconds int `mapstructure:"seconds"`
}

// ScenarioStep represents a single timed action in the scenario list.
// Unmarshalling the configuration into this structure requires two steps:
// first the action is decoded. Once we know the action we can properly decode
// the RawParams into the specific parameters. See UnmarshalParams() below.
type ScenarioStep struct {
	Action           string                 `mapstructure:"action"`
	RawParams        map[string]interface{} `mapstructure:"params"`
	StormParams      *StormParams
	DisconnectParams *DisconnectParams
	PauseParams      *PauseParams
}

// UnmarshalParams converts RawParams to the appropriate typed parameter field
// based on the Action value. This must be called after Viper unmarshaling.
func (s *ScenarioStep) UnmarshalParams() error {
	if s.RawParams == nil {
		return fmt.Errorf("params field is required for action %q", s.Action)
	}

	switch s.Action {
	case "webhook-storm":
		var params StormParams
		if err := mapstructure.Decode(s.RawParams, &params); err != nil {
			return fmt.Errorf("failed to decode params for webhook-storm: %w", err)
		}
		s.StormParams = &params

	case "disconnect":
		var params DisconnectParams
		if err := mapstructure.Decode(s.RawParams, &params); err != nil {
			return fmt.Errorf("failed to decode params for disconnect: %w", err)
		}
		s.DisconnectParams = &params

	case "pause":
		var params PauseParams
		if err := mapstructure.Decode(s.RawParams, &params); err != nil {
			return fmt.Errorf("failed to decode params for pause: %w", err)
		}
		s.PauseParams = &params

	default:
		return fmt.Errorf("unsupported scenario action %q", s.Action)
	}

	// Clear RawParams to save memory
	s.RawParams = nil
	return nil
}

// Structure to hold the contents of the configuration file
type ColliderConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	DB       DatabaseConfig `mapstructure:"db"`
	Server   ServerConfig   `mapstructure:"server"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Cloud    CloudConfig    `mapstructure:"cloud"`
	API      APIConfig      `mapstructure:"api"`
	Scenario []ScenarioStep `mapstructure:"scenario"`
}

// validate checks the server, fleet, cloud and api sections and decodes
// scenario step params. The db section is checked when the store is opened.
func (c *ColliderConfig) validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Fleet.validate(); err != nil {
		return err
	}
	if err := c.Cloud.validate(); err != nil {
		return err
	}
	if err := c.API.validate(); err != nil {
		return err
	}
	for i := range c.Scenario {
		if err := c.Scenario[i].UnmarshalParams(); err != nil {
			return fmt.Errorf("scenario step %d: %w", i, err)
		}
		step := &c.Scenario[i]
		switch step.Action {
		case "webhook-storm":
			if step.StormParams.Count < 1 {
				return fmt.Errorf("scenario step %d: storm count must be positive", i)
			}
		case "disconnect":
			if step.DisconnectParams.Devices < 1 {
				return fmt.Errorf("scenario step %d: disconnect devices must be positive", i)
			}
		case "pause":
			if step.PauseParams.Seconds < 1 {
				return fmt.Errorf("scenario step %d: pause seconds must be positive", i)
			}
		}
	}
	return nil
}
