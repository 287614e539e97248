package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

var cli CLI

func main() {
	// The .env file has to be in the environment before kong resolves env tags
	envFile := os.Getenv("GATEKEEPER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.WithError(err).Fatal("failed to load env file")
	}

	ctx := kong.Parse(
		&cli,
		kong.UsageOnError(),
		kong.Name("gatekeeper"),
		kong.Description("Authenticated API client with single-flight credential renewal"),
	)

	// See respective commands Run() methods
	ctx.FatalIfErrorf(ctx.Run())
}
