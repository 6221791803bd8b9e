// Package config provides the configuration of conntest: the options of a
// probe run, their defaults, and the optional .conntest YAML file holding
// per-host settings and the batch target list.
package config
