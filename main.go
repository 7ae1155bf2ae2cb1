package main

import (
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/anicoll/envoy-integration/cmd"
)

func main() {
	app := &cli.App{
		Name:   "envoy-integration",
		Usage:  "poller for the enphase envoy gateway",
		Action: cmd.EnvoyCommand,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "envoy-host",
				EnvVars:  []string{"ENVOY_HOST"},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "envoy-serial",
				EnvVars: []string{"ENVOY_SERIAL"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "envoy-username",
				EnvVars: []string{"ENVOY_USERNAME"},
				Value:   "envoy",
			},
			&cli.StringFlag{
				Name:    "envoy-password",
				EnvVars: []string{"ENVOY_PASSWORD"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "enlighten-username",
				EnvVars: []string{"ENLIGHTEN_USERNAME"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "enlighten-password",
				EnvVars: []string{"ENLIGHTEN_PASSWORD"},
				Value:   "",
			},
			&cli.BoolFlag{
				Name:    "use-owner-token",
				EnvVars: []string{"USE_OWNER_TOKEN"},
				Value:   false,
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				EnvVars: []string{"POLL_INTERVAL"},
				Value:   time.Second * 30,
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				EnvVars: []string{"REQUEST_TIMEOUT"},
				Value:   time.Second * 30,
			},
			&cli.IntFlag{
				Name:    "retry-count",
				EnvVars: []string{"RETRY_COUNT"},
				Value:   1,
			},
			&cli.DurationFlag{
				Name:    "retry-delay",
				EnvVars: []string{"RETRY_DELAY"},
				Value:   time.Second,
			},
			&cli.DurationFlag{
				Name:    "cycle-deadline",
				EnvVars: []string{"CYCLE_DEADLINE"},
				Value:   time.Minute * 2,
			},
			&cli.StringFlag{
				Name:    "token-cache",
				EnvVars: []string{"TOKEN_CACHE"},
				Value:   ".envoy-tokens.json",
			},
			&cli.StringFlag{
				Name:    "database-url",
				EnvVars: []string{"DATABASE_URL"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "migrations-folder",
				EnvVars: []string{"MIGRATIONS_FOLDER"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-host",
				EnvVars: []string{"MQTT_HOST"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-user",
				EnvVars: []string{"MQTT_USER"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "mqtt-pass",
				EnvVars: []string{"MQTT_PASS"},
				Value:   "",
			},
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "INFO",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
