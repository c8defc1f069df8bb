// Copyright 2021 Snowfork
// SPDX-License-Identifier: LGPL-3.0-only

package config

import (
	"errors"
	"fmt"
	"net/url"
)

type PolkadotConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type ParachainConfig struct {
	Endpoint             string `mapstructure:"endpoint"`
	MaxWatchedExtrinsics int64  `mapstructure:"maxWatchedExtrinsics"`
}

func (p PolkadotConfig) Validate() error {
	return validateEndpoint(p.Endpoint)
}

func (p ParachainConfig) Validate() error {
	if err := validateEndpoint(p.Endpoint); err != nil {
		return err
	}
	if p.MaxWatchedExtrinsics < 0 {
		return errors.New("maxWatchedExtrinsics must not be negative")
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return errors.New("endpoint not set")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
		return nil
	default:
		return fmt.Errorf("endpoint %q: unsupported scheme %q", endpoint, u.Scheme)
	}
}
