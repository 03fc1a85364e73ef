package main

import (
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/config"
)

// loadConfig reads the config file over the defaults, then applies the flags
// that were set explicitly on the command line.
func loadConfig(c *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return cfg, err
		}
	}

	if c.IsSet("devices") {
		ids, err := config.ParseDevices(deviceList)
		if err != nil {
			return cfg, err
		}
		cfg.Devices = ids
	}
	if c.IsSet("layers") {
		cfg.Layers = int(layerCount)
	}
	setString(c, "layer-template", layerTemplate, &cfg.LayerTemplate)
	setString(c, "post-model", postModel, &cfg.PostModel)
	setString(c, "backend", backend, &cfg.Backend)
	setString(c, "log-level", logLevel, &cfg.LogLevel)
	setString(c, "log-format", logFormat, &cfg.LogFormat)
	setString(c, "tokenizer-url", tokenizerURL, &cfg.TokenizerURL)
	setString(c, "template", chatTemplate, &cfg.Template)
	setString(c, "embed", embedPath, &cfg.EmbedPath)
	setString(c, "sampler-config", samplerConfig, &cfg.SamplerConfig)
	setString(c, "metrics-addr", metricsAddr, &cfg.MetricsAddr)
	setString(c, "trace-file", traceFile, &cfg.TraceFile)
	setString(c, "trace-flight", traceFlight, &cfg.TraceFlight)

	return cfg, cfg.Validate()
}

func setString(c *cli.Command, flag, v string, dst *string) {
	if c.IsSet(flag) {
		*dst = v
	}
}
