package main

import "github.com/urfave/cli/v3"

var (
	configFile    string
	deviceList    string
	layerCount    int64
	layerTemplate string
	postModel     string
	backend       string
	logLevel      string
	logFormat     string

	tokenizerURL  string
	chatTemplate  string
	embedPath     string
	samplerConfig string
	metricsAddr   string
	traceFile     string
	traceFlight   string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a YAML config file",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "devices",
			Aliases:     []string{"d"},
			Usage:       "comma separated device ids, e.g. 0,1,2,3",
			Destination: &deviceList,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Aliases:     []string{"l"},
			Usage:       "number of transformer layers",
			Destination: &layerCount,
		},
		&cli.StringFlag{
			Name:        "layer-template",
			Usage:       "per-layer model path with a %d verb",
			Destination: &layerTemplate,
		},
		&cli.StringFlag{
			Name:        "post-model",
			Usage:       "path to the post head model",
			Destination: &postModel,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "accelerator backend (host)",
			Destination: &backend,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, json)",
			Destination: &logFormat,
		},
	}
}

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer-url",
			Usage:       "base URL of the tokenizer service",
			Destination: &tokenizerURL,
		},
		&cli.StringFlag{
			Name:        "template",
			Usage:       "chat template (raw, llama, phi3, qwen)",
			Destination: &chatTemplate,
		},
		&cli.StringFlag{
			Name:        "embed",
			Usage:       "path to the bf16 embedding table",
			Destination: &embedPath,
		},
		&cli.StringFlag{
			Name:        "sampler-config",
			Usage:       "path to the post processing config",
			Destination: &samplerConfig,
		},
		&cli.StringFlag{
			Name:        "metrics-addr",
			Usage:       "serve /metrics, /healthz and /status on this address",
			Destination: &metricsAddr,
		},
		&cli.StringFlag{
			Name:        "trace-file",
			Usage:       "write per-layer activation traces to this Arrow IPC file",
			Destination: &traceFile,
		},
		&cli.StringFlag{
			Name:        "trace-flight",
			Usage:       "push activation traces to this Arrow Flight address",
			Destination: &traceFlight,
		},
	}
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
