package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/xmdhs/kmsd/cli"
)

func main() {
	ctx := context.Background()

	if err := cli.RootCmd(ctx).ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Send()
		os.Exit(1)
	}
}
